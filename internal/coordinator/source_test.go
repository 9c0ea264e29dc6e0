package coordinator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		src     Source
		wantErr bool
	}{
		{name: "camera", src: Source{Kind: SourceCamera, Device: "/dev/video0"}},
		{name: "camera without device", src: Source{Kind: SourceCamera}, wantErr: true},
		{name: "file", src: Source{Kind: SourceFile, Path: "a.mp4"}},
		{name: "file without path", src: Source{Kind: SourceFile}, wantErr: true},
		{name: "fallback", src: Source{Kind: SourceFallback}},
		{name: "unknown kind", src: Source{Kind: "rtmp"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.src.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.Is(err, errInvalidSource) {
				t.Errorf("expected errInvalidSource, got %v", err)
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	t.Setenv("STUDIO_CAMERA", "/dev/video2")
	path := filepath.Join(t.TempDir(), "sources.yaml")
	body := `sources:
  - name: studio-cam
    kind: camera
    device: ${STUDIO_CAMERA}
    input_format: v4l2
  - name: promo
    kind: file
    path: ${PROMO_PATH:-/media/promo.mp4}
    loop: true
  - name: slate
    kind: fallback
    caption: Back soon
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(c.Sources))
	}

	cam, ok := c.Lookup("studio-cam")
	if !ok || cam.Device != "/dev/video2" || cam.InputFormat != "v4l2" {
		t.Errorf("unexpected camera %+v", cam)
	}
	promo, _ := c.Lookup("promo")
	if promo.Path != "/media/promo.mp4" || !promo.Loop {
		t.Errorf("unexpected file source %+v", promo)
	}
	if _, ok := c.Lookup("missing"); ok {
		t.Error("lookup of unknown name should fail")
	}
}

func TestLoadCatalog_missing_file_is_empty(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Sources) != 0 {
		t.Errorf("expected empty catalog, got %v", c.Sources)
	}
}

func TestLoadCatalog_rejects_bad_entries(t *testing.T) {
	tests := map[string]string{
		"no name":   "sources:\n  - kind: fallback\n",
		"duplicate": "sources:\n  - name: a\n    kind: fallback\n  - name: a\n    kind: fallback\n",
		"invalid":   "sources:\n  - name: cam\n    kind: camera\n",
		"not yaml":  "sources: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sources.yaml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadCatalog(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
