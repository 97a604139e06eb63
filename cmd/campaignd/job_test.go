package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/foxzi/campaignd/internal/job"
)

func resetCreateFlags() {
	jobCreateTargets = nil
	jobCreateTargetsFile = ""
	jobCreateMessage = ""
	jobCreateMediaType = job.MediaTypeText
	jobCreateMediaFile = ""
	jobCreateDelayMin = -1
	jobCreateDelayMax = -1
	jobCreateAt = ""
	jobCreateNoPreview = false
}

func TestSplitTargets(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"single", []string{"5511999999999"}, []string{"5511999999999"}},
		{"comma", []string{"1,2, 3"}, []string{"1", "2", "3"}},
		{"mixed", []string{"1;2", "120363@g.us"}, []string{"1", "2", "120363@g.us"}},
		{"empty", []string{" , "}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitTargets(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitTargets(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestReadTargetsFile(t *testing.T) {
	content := "# customers\n5511999999999\n\n  5511888888888  \n1,2\n"

	path := filepath.Join(t.TempDir(), "targets.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	want := []string{"5511999999999", "5511888888888", "1", "2"}

	got, err := readTargetsFile(path, nil)
	if err != nil {
		t.Fatalf("readTargetsFile() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("readTargetsFile() = %q, want %q", got, want)
	}

	got, err = readTargetsFile("-", strings.NewReader(content))
	if err != nil {
		t.Fatalf("readTargetsFile(-) error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("readTargetsFile(-) = %q, want %q", got, want)
	}

	if _, err := readTargetsFile(filepath.Join(t.TempDir(), "missing.txt"), nil); err == nil {
		t.Error("readTargetsFile() expected error for missing file")
	}
}

func TestBuildCreateRequest(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		resetCreateFlags()
		jobCreateTargets = []string{"5511999999999,5511888888888"}
		jobCreateMessage = "hello"

		req, err := buildCreateRequest(nil)
		if err != nil {
			t.Fatalf("buildCreateRequest() error = %v", err)
		}
		if len(req.Targets) != 2 || req.Message != "hello" {
			t.Errorf("req = %+v", req)
		}
		if req.Delays != nil {
			t.Errorf("Delays = %+v, want nil so config defaults apply", req.Delays)
		}
		if req.LinkPreview != nil {
			t.Errorf("LinkPreview = %v, want nil", *req.LinkPreview)
		}
	})

	t.Run("media", func(t *testing.T) {
		resetCreateFlags()
		media := filepath.Join(t.TempDir(), "promo.jpg")
		if err := os.WriteFile(media, []byte("jpeg"), 0644); err != nil {
			t.Fatal(err)
		}
		jobCreateTargets = []string{"5511999999999"}
		jobCreateMediaType = "image"
		jobCreateMediaFile = media
		jobCreateDelayMin = 2
		jobCreateAt = "2030-01-02T09:00:00Z"
		jobCreateNoPreview = true

		req, err := buildCreateRequest(nil)
		if err != nil {
			t.Fatalf("buildCreateRequest() error = %v", err)
		}
		if req.MediaBase64 != base64.StdEncoding.EncodeToString([]byte("jpeg")) {
			t.Errorf("MediaBase64 = %q", req.MediaBase64)
		}
		if req.FileName != "promo.jpg" {
			t.Errorf("FileName = %q, want promo.jpg", req.FileName)
		}
		if req.Delays == nil || *req.Delays != (job.Delays{Min: 2, Max: 2}) {
			t.Errorf("Delays = %+v, want {2 2}", req.Delays)
		}
		if req.ScheduleTime == nil || req.ScheduleTime.Year() != 2030 {
			t.Errorf("ScheduleTime = %v", req.ScheduleTime)
		}
		if req.LinkPreview == nil || *req.LinkPreview {
			t.Error("LinkPreview should be false")
		}
		if err := req.Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("bad schedule", func(t *testing.T) {
		resetCreateFlags()
		jobCreateTargets = []string{"5511999999999"}
		jobCreateAt = "tomorrow"

		if _, err := buildCreateRequest(nil); err == nil {
			t.Error("buildCreateRequest() expected error for invalid --at")
		}
	})
}
