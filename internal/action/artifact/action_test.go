package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/upkeep-run/upkeep/pkg/job"
)

type capturedPut struct {
	Bucket      string
	Key         string
	ContentType string
	Size        int
}

type fakeUploader struct {
	puts []capturedPut
	err  error
}

func (f *fakeUploader) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.puts = append(f.puts, capturedPut{
		Bucket:      aws.ToString(params.Bucket),
		Key:         aws.ToString(params.Key),
		ContentType: aws.ToString(params.ContentType),
		Size:        len(body),
	})
	return &s3.PutObjectOutput{}, nil
}

type fakeIdentity struct {
	arn string
	err error
}

func (f *fakeIdentity) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Arn: aws.String(f.arn)}, nil
}

func TestExecute_UploadDirectory(t *testing.T) {
	dir := t.TempDir()
	index := "<!DOCTYPE html><html><body>report</body></html>"
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(index), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	raw := []byte{0x00, 0x01, 0x02, 0x03}
	if err := os.WriteFile(filepath.Join(dir, "data", "raw.bin"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	uploader := &fakeUploader{}
	a, _ := New(&Config{Client: uploader})

	result, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{
			"path":   dir,
			"bucket": "reports",
			"prefix": "html/latest",
		},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := result.Outputs["uploaded"]; got != 2 {
		t.Errorf("Expected 2 uploads, got %v", got)
	}
	if got := result.Outputs["bytes"]; got != len(index)+len(raw) {
		t.Errorf("Expected byte total %d, got %v", len(index)+len(raw), got)
	}
	if got := result.Outputs["location"]; got != "s3://reports/html/latest" {
		t.Errorf("Expected location, got %v", got)
	}

	keys := make([]string, 0, len(uploader.puts))
	for _, p := range uploader.puts {
		keys = append(keys, p.Key)
		if p.Bucket != "reports" {
			t.Errorf("Expected bucket reports, got %q", p.Bucket)
		}
	}
	sort.Strings(keys)
	want := []string{"html/latest/data/raw.bin", "html/latest/index.html"}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Expected key %q, got %q", want[i], keys[i])
		}
	}

	for _, p := range uploader.puts {
		if p.Key == "html/latest/index.html" && !strings.HasPrefix(p.ContentType, "text/html") {
			t.Errorf("Expected html content type, got %q", p.ContentType)
		}
	}
}

func TestExecute_UploadSingleFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(file, []byte("done"), 0o644); err != nil {
		t.Fatal(err)
	}

	uploader := &fakeUploader{}
	a, _ := New(&Config{Client: uploader})

	result, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{"path": file, "bucket": "reports"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(uploader.puts) != 1 {
		t.Fatalf("Expected 1 upload, got %d", len(uploader.puts))
	}
	if uploader.puts[0].Key != "report.txt" {
		t.Errorf("Expected bare key, got %q", uploader.puts[0].Key)
	}
	if got := result.Outputs["location"]; got != "s3://reports" {
		t.Errorf("Expected bucket location, got %v", got)
	}
}

func TestExecute_ContentTypeOverride(t *testing.T) {
	file := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(file, []byte{0xde, 0xad}, 0o644); err != nil {
		t.Fatal(err)
	}

	uploader := &fakeUploader{}
	a, _ := New(&Config{Client: uploader})

	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{
			"path":         file,
			"bucket":       "reports",
			"content_type": "application/x-custom",
		},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := uploader.puts[0].ContentType; got != "application/x-custom" {
		t.Errorf("Expected override content type, got %q", got)
	}
}

func TestExecute_RelativePath(t *testing.T) {
	work := t.TempDir()
	if err := os.WriteFile(filepath.Join(work, "out.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	uploader := &fakeUploader{}
	a, _ := New(&Config{Client: uploader})

	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs:     map[string]interface{}{"path": "out.txt", "bucket": "reports"},
		WorkingDir: work,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(uploader.puts) != 1 {
		t.Fatalf("Expected 1 upload, got %d", len(uploader.puts))
	}
}

func TestExecute_VerifyIdentity(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	uploader := &fakeUploader{}
	identity := &fakeIdentity{arn: "arn:aws:iam::123456789012:role/ci-upload"}
	a, _ := New(&Config{Client: uploader, Identity: identity})

	var log bytes.Buffer
	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{
			"path":            file,
			"bucket":          "reports",
			"verify_identity": true,
		},
		Log: &log,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(log.String(), "ci-upload") {
		t.Errorf("Expected identity in log, got %q", log.String())
	}
}

func TestExecute_VerifyIdentityFails(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, _ := New(&Config{
		Client:   &fakeUploader{},
		Identity: &fakeIdentity{err: fmt.Errorf("expired credentials")},
	})

	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{
			"path":            file,
			"bucket":          "reports",
			"verify_identity": true,
		},
	})
	if err == nil {
		t.Fatal("Expected preflight failure")
	}
	if !strings.Contains(err.Error(), "verify AWS identity") {
		t.Errorf("Expected preflight error, got %q", err.Error())
	}
}

func TestExecute_UploadFails(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, _ := New(&Config{Client: &fakeUploader{err: fmt.Errorf("access denied")}})
	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{"path": file, "bucket": "reports"},
	})
	if err == nil {
		t.Fatal("Expected upload error")
	}
	if !strings.Contains(err.Error(), "access denied") {
		t.Errorf("Expected cause in error, got %q", err.Error())
	}
}

func TestExecute_MissingInputs(t *testing.T) {
	a, _ := New(&Config{Client: &fakeUploader{}})

	if _, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{"bucket": "reports"},
	}); err == nil {
		t.Error("Expected error for missing path")
	}

	if _, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{"path": "somewhere"},
	}); err == nil {
		t.Error("Expected error for missing bucket")
	}
}

func TestExecute_MissingLocalPath(t *testing.T) {
	a, _ := New(&Config{Client: &fakeUploader{}})
	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{
			"path":   filepath.Join(t.TempDir(), "nope"),
			"bucket": "reports",
		},
	})
	if err == nil {
		t.Error("Expected error for missing local path")
	}
}
