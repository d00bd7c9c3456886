package render

import (
	"strings"
	"testing"
)

func TestDefaultUserData(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	out, err := e.DefaultUserData(UserData{})
	if err != nil {
		t.Fatalf("DefaultUserData() error = %v", err)
	}
	want := "#cloud-config\n\nbootcmd:\n - echo HELLO FROM USER DATA SCRIPT | tee /msg > /dev/kmsg\n - cloud-init clean && reboot\n"
	if string(out) != want {
		t.Fatalf("DefaultUserData() = %q, want %q", out, want)
	}
}

func TestDefaultUserDataWithCommands(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	out, err := e.DefaultUserData(UserData{Message: "swapped", Commands: []string{"touch /var/run/swapped"}})
	if err != nil {
		t.Fatalf("DefaultUserData() error = %v", err)
	}
	text := string(out)
	if !strings.Contains(text, "echo swapped |") {
		t.Fatalf("message missing: %q", text)
	}
	if strings.Index(text, "touch /var/run/swapped") > strings.Index(text, "cloud-init clean") {
		t.Fatalf("extra commands must run before the reboot: %q", text)
	}
}

func TestRenderText(t *testing.T) {
	out, err := RenderText("custom", "#!/bin/bash\necho {{ .Message }}\n", UserData{Message: "hi"})
	if err != nil {
		t.Fatalf("RenderText() error = %v", err)
	}
	if out != "#!/bin/bash\necho hi\n" {
		t.Fatalf("RenderText() = %q", out)
	}
	if _, err := RenderText("bad", "{{ .Missing }}", map[string]any{}); err == nil {
		t.Fatal("RenderText() expected missing key error")
	}
}
