// Package dynamostore keeps swap progress in a DynamoDB table keyed by
// instance_id, using condition expressions for every state change.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"marionette/services/swap"
)

// DefaultTable is the table name used when none is configured.
const DefaultTable = "UserDataSwap"

const (
	attrInstanceID = "instance_id"
	attrState      = "inst_state"
	attrOriginal   = "orig_userdata"
	attrUpdatedAt  = "updated_at"
)

// Condition expressions; #s is inst_state, #o is orig_userdata. An empty
// inst_state string reads as absent, so it must also match as absent.
const (
	condNoOriginal     = "attribute_not_exists(#o)"
	condNoState        = "(attribute_not_exists(#s) OR size(#s) = :zero)"
	condNoStateWithOrg = "(attribute_not_exists(#s) OR size(#s) = :zero) AND attribute_exists(#o)"
	condStateIs        = "#s = :from"
	condStateIsWithOrg = "#s = :from AND attribute_exists(#o)"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

var _ swap.Tracker = (*Store)(nil)

// Store implements swap.Tracker on DynamoDB.
type Store struct {
	api   API
	table string
	now   func() time.Time
}

type item struct {
	InstanceID string `dynamodbav:"instance_id"`
	InstState  string `dynamodbav:"inst_state,omitempty"`
	UpdatedAt  string `dynamodbav:"updated_at,omitempty"`
}

// New creates a Store for table.
func New(api API, table string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamodb api is required")
	}
	if table == "" {
		table = DefaultTable
	}
	return &Store{api: api, table: table, now: time.Now}, nil
}

// NewFromConfig builds a Store from an AWS configuration.
func NewFromConfig(cfg aws.Config, table string, optFns ...func(*dynamodb.Options)) (*Store, error) {
	return New(dynamodb.NewFromConfig(cfg, optFns...), table)
}

// Table returns the table name the store writes to.
func (s *Store) Table() string { return s.table }

// Get implements swap.Tracker.
func (s *Store) Get(ctx context.Context, instanceID string) (swap.InstanceRecord, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(instanceID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return swap.InstanceRecord{}, err
	}
	rec := swap.InstanceRecord{InstanceID: instanceID}
	if len(out.Item) == 0 {
		return rec, nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return swap.InstanceRecord{}, fmt.Errorf("decode record %s: %w", instanceID, err)
	}
	rec.State = swap.State(it.InstState)
	if it.UpdatedAt != "" {
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, it.UpdatedAt)
	}
	if av, ok := out.Item[attrOriginal]; ok {
		data, err := decodeOriginal(av)
		if err != nil {
			return swap.InstanceRecord{}, fmt.Errorf("decode record %s: %w", instanceID, err)
		}
		rec.OrigUserData = data
		rec.HasOriginal = true
	}
	return rec, nil
}

// Original implements swap.Tracker with a projected read of orig_userdata.
func (s *Store) Original(ctx context.Context, instanceID string) ([]byte, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(s.table),
		Key:                      key(instanceID),
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     aws.String("#o"),
		ExpressionAttributeNames: map[string]string{"#o": attrOriginal},
	})
	if err != nil {
		return nil, err
	}
	av, ok := out.Item[attrOriginal]
	if !ok {
		return nil, fmt.Errorf("%s of %s: %w", attrOriginal, instanceID, swap.ErrNotFound)
	}
	return decodeOriginal(av)
}

// PutOriginal implements swap.Tracker.
func (s *Store) PutOriginal(ctx context.Context, instanceID string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 key(instanceID),
		UpdateExpression:    aws.String("SET #o = :v, #u = :now"),
		ConditionExpression: aws.String(condNoOriginal),
		ExpressionAttributeNames: map[string]string{
			"#o": attrOriginal,
			"#u": attrUpdatedAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":   &types.AttributeValueMemberB{Value: data},
			":now": s.timestamp(),
		},
	})
	return conditional(err)
}

// Transition implements swap.Tracker.
func (s *Store) Transition(ctx context.Context, instanceID string, from, to swap.State) error {
	if to == swap.StateAbsent {
		return errors.New("cannot transition to an absent state")
	}

	names := map[string]string{"#s": attrState, "#u": attrUpdatedAt}
	values := map[string]types.AttributeValue{
		":to":  &types.AttributeValueMemberS{Value: string(to)},
		":now": s.timestamp(),
	}
	needsOriginal := to == swap.StatePendingReset
	if needsOriginal {
		names["#o"] = attrOriginal
	}

	var cond string
	switch {
	case from == swap.StateAbsent && needsOriginal:
		cond = condNoStateWithOrg
		values[":zero"] = &types.AttributeValueMemberN{Value: "0"}
	case from == swap.StateAbsent:
		cond = condNoState
		values[":zero"] = &types.AttributeValueMemberN{Value: "0"}
	case needsOriginal:
		cond = condStateIsWithOrg
		values[":from"] = &types.AttributeValueMemberS{Value: string(from)}
	default:
		cond = condStateIs
		values[":from"] = &types.AttributeValueMemberS{Value: string(from)}
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       key(instanceID),
		UpdateExpression:          aws.String("SET #s = :to, #u = :now"),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	return conditional(err)
}

func (s *Store) timestamp() types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)}
}

func key(instanceID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrInstanceID: &types.AttributeValueMemberS{Value: instanceID},
	}
}

// decodeOriginal accepts binary values and the string values written by
// earlier deployments of the workflow.
func decodeOriginal(av types.AttributeValue) ([]byte, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberB:
		return v.Value, nil
	case *types.AttributeValueMemberS:
		return []byte(v.Value), nil
	case *types.AttributeValueMemberNULL:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("unsupported %s attribute type %T", attrOriginal, av)
	}
}

func conditional(err error) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %w", swap.ErrConditionFailed, err)
	}
	return err
}
