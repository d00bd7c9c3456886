package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"

	"marionette/pkg/render"
	"marionette/services/marionette/internal/config"
	"marionette/services/swap/ec2inst"
)

// FetchFunc downloads an s3://bucket/key object.
type FetchFunc func(ctx context.Context, uri string) ([]byte, error)

// Substitute resolves the substitute user data described by p. Operator
// supplied payloads are used verbatim unless p.Template is set. With p.Gzip
// the result is gzip-compressed, which cloud-init unpacks on boot.
func Substitute(ctx context.Context, p config.Payload, fetch FetchFunc) ([]byte, error) {
	out, err := substitute(ctx, p, fetch)
	if err != nil {
		return nil, err
	}
	if p.Gzip {
		if out, err = compress(out); err != nil {
			return nil, err
		}
	}
	if len(out) > ec2inst.MaxUserData {
		return nil, fmt.Errorf("substitute payload is %d bytes, EC2 accepts at most %d", len(out), ec2inst.MaxUserData)
	}
	return out, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func substitute(ctx context.Context, p config.Payload, fetch FetchFunc) ([]byte, error) {
	data := render.UserData{Message: p.Message, Commands: p.Commands}

	var raw []byte
	switch {
	case p.Inline != "":
		raw = []byte(p.Inline)
	case p.File != "":
		b, err := os.ReadFile(p.File)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = b
	case p.S3URI != "":
		if fetch == nil {
			return nil, errors.New("no s3 client for payload uri")
		}
		b, err := fetch(ctx, p.S3URI)
		if err != nil {
			return nil, fmt.Errorf("fetch payload %s: %w", p.S3URI, err)
		}
		raw = b
	default:
		engine, err := render.New()
		if err != nil {
			return nil, err
		}
		return engine.DefaultUserData(data)
	}

	if len(raw) == 0 {
		return nil, errors.New("substitute payload is empty")
	}
	if !p.Template {
		return raw, nil
	}
	if data.Message == "" {
		data.Message = render.DefaultMessage
	}
	out, err := render.RenderText("payload", string(raw), data)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}
