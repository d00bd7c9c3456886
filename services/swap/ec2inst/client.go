// Package ec2inst implements the instance-facing capabilities of the swap
// workflow on top of the EC2 API.
package ec2inst

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"marionette/services/swap"
)

// MaxUserData is the largest user data EC2 accepts, before base64 encoding.
const MaxUserData = 16 * 1024

// API is the subset of the EC2 client used here.
type API interface {
	DescribeInstanceAttribute(ctx context.Context, in *ec2.DescribeInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error)
	ModifyInstanceAttribute(ctx context.Context, in *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

var (
	_ swap.PayloadStore    = (*Client)(nil)
	_ swap.PowerController = (*Client)(nil)
)

// Client is a thin wrapper around the AWS SDK v2 EC2 client.
type Client struct {
	api API
}

// New wraps an EC2 API client.
func New(api API) (*Client, error) {
	if api == nil {
		return nil, errors.New("ec2 api is required")
	}
	return &Client{api: api}, nil
}

// NewFromConfig builds a Client from an AWS configuration.
func NewFromConfig(cfg aws.Config, optFns ...func(*ec2.Options)) *Client {
	return &Client{api: ec2.NewFromConfig(cfg, optFns...)}
}

// Payload returns the decoded user data of the instance.
func (c *Client) Payload(ctx context.Context, instanceID string) ([]byte, error) {
	out, err := c.api.DescribeInstanceAttribute(ctx, &ec2.DescribeInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		Attribute:  types.InstanceAttributeNameUserData,
	})
	if err != nil {
		return nil, classify(err)
	}
	if out.UserData == nil || out.UserData.Value == nil {
		return []byte{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(aws.ToString(out.UserData.Value))
	if err != nil {
		return nil, fmt.Errorf("decode user data of %s: %w", instanceID, err)
	}
	return data, nil
}

// SetPayload replaces the instance user data. The SDK base64-encodes blobs.
func (c *Client) SetPayload(ctx context.Context, instanceID string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := c.api.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		UserData:   &types.BlobAttributeValue{Value: data},
	})
	return classify(err)
}

// SwapPayload reads the current user data, writes data, and returns the former value.
func (c *Client) SwapPayload(ctx context.Context, instanceID string, data []byte) ([]byte, error) {
	prev, err := c.Payload(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := c.SetPayload(ctx, instanceID, data); err != nil {
		return nil, err
	}
	return prev, nil
}

// Stop stops the instance; force skips the guest shutdown.
func (c *Client) Stop(ctx context.Context, instanceID string, force bool) error {
	_, err := c.api.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
		Force:       aws.Bool(force),
	})
	return classify(err)
}

// Start starts the instance.
func (c *Client) Start(ctx context.Context, instanceID string) error {
	_, err := c.api.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	})
	return classify(err)
}

// PowerState reports the instance state name, e.g. "stopped".
func (c *Client) PowerState(ctx context.Context, instanceID string) (string, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", classify(err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.InstanceId) != instanceID || inst.State == nil {
				continue
			}
			return string(inst.State.Name), nil
		}
	}
	return "", fmt.Errorf("instance %s: %w", instanceID, swap.ErrNotFound)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidInstanceID.NotFound":
			return fmt.Errorf("%w: %w", swap.ErrNotFound, err)
		}
	}
	return err
}
