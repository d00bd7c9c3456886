package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"marionette/services/marionette/internal/config"
	"marionette/services/swap/ec2inst"
)

func TestSubstituteDefault(t *testing.T) {
	out, err := Substitute(context.Background(), config.Payload{}, nil)
	if err != nil {
		t.Fatalf("Substitute() error = %v", err)
	}
	text := string(out)
	if !strings.HasPrefix(text, "#cloud-config\n") || !strings.Contains(text, "cloud-init clean && reboot") {
		t.Fatalf("Substitute() = %q", text)
	}
}

func TestSubstituteSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userdata.sh")
	if err := os.WriteFile(path, []byte("#!/bin/bash\necho {{ .Message }}\n"), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	fetch := func(_ context.Context, uri string) ([]byte, error) {
		if uri != "s3://payloads/swap.yaml" {
			return nil, errors.New("NoSuchKey")
		}
		return []byte("#cloud-config\n"), nil
	}

	tests := []struct {
		name string
		p    config.Payload
		want string
	}{
		{name: "inline", p: config.Payload{Inline: "#!/bin/sh\nreboot\n"}, want: "#!/bin/sh\nreboot\n"},
		{name: "file verbatim", p: config.Payload{File: path}, want: "#!/bin/bash\necho {{ .Message }}\n"},
		{name: "file template", p: config.Payload{File: path, Template: true, Message: "hi"}, want: "#!/bin/bash\necho hi\n"},
		{name: "s3", p: config.Payload{S3URI: "s3://payloads/swap.yaml"}, want: "#cloud-config\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Substitute(context.Background(), tt.p, fetch)
			if err != nil {
				t.Fatalf("Substitute() error = %v", err)
			}
			if string(out) != tt.want {
				t.Fatalf("Substitute() = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestSubstituteErrors(t *testing.T) {
	if _, err := Substitute(context.Background(), config.Payload{S3URI: "s3://b/k"}, nil); err == nil {
		t.Fatal("Substitute() without fetcher expected error")
	}
	if _, err := Substitute(context.Background(), config.Payload{File: filepath.Join(t.TempDir(), "nope")}, nil); err == nil {
		t.Fatal("Substitute() missing file expected error")
	}
}

func TestSubstituteGzip(t *testing.T) {
	out, err := Substitute(context.Background(), config.Payload{Inline: "#!/bin/sh\nreboot\n", Gzip: true}, nil)
	if err != nil {
		t.Fatalf("Substitute() error = %v", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	if string(plain) != "#!/bin/sh\nreboot\n" {
		t.Fatalf("decompressed = %q", plain)
	}
}

func TestSubstituteSizeLimit(t *testing.T) {
	big := strings.Repeat("echo marionette\n", 2048)

	tests := []struct {
		name    string
		payload config.Payload
		wantErr bool
	}{
		{name: "inline over limit", payload: config.Payload{Inline: big}, wantErr: true},
		{name: "gzip brings it under", payload: config.Payload{Inline: big, Gzip: true}},
		{name: "at limit", payload: config.Payload{Inline: strings.Repeat("x", ec2inst.MaxUserData)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Substitute(context.Background(), tt.payload, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Substitute() = %d bytes, expected size error", len(out))
				}
				return
			}
			if err != nil {
				t.Fatalf("Substitute() error = %v", err)
			}
		})
	}
}
