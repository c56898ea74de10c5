package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sony/gobreaker"
)

func TestLocalPutPrivateThenPublish(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := NewLocal(dir)

	if err := l.Put(ctx, "/deployments/linux/1.2.3/pkg", []byte("0123456789"), "", ACLPrivate); err != nil {
		t.Fatalf("put: %v", err)
	}
	p := filepath.Join(dir, "deployments", "linux", "1.2.3", "pkg")
	info, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected private mode, got %v", info.Mode().Perm())
	}

	if err := l.SetACL(ctx, "deployments/linux/1.2.3/pkg", ACLPublicRead); err != nil {
		t.Fatalf("set acl: %v", err)
	}
	info, _ = os.Stat(p)
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("expected public mode, got %v", info.Mode().Perm())
	}

	url, err := l.Presign(ctx, "deployments/linux/1.2.3/pkg", time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(url, "file://") || !strings.Contains(url, "expires=") {
		t.Fatalf("unexpected presigned url %q", url)
	}

	if err := l.Delete(ctx, "deployments/linux/1.2.3/pkg"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := l.Delete(ctx, "deployments/linux/1.2.3/pkg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSanitizeKeyStaysInsideBase(t *testing.T) {
	cases := map[string]string{
		"/a/b":         "a/b",
		"./a/../b":     "b",
		"../../etc/pw": "etc/pw",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

type flakyStorage struct {
	calls int
	err   error
}

func (f *flakyStorage) Put(context.Context, string, []byte, string, ACL) error {
	f.calls++
	return f.err
}
func (f *flakyStorage) Delete(context.Context, string) error { f.calls++; return f.err }
func (f *flakyStorage) Presign(context.Context, string, time.Duration) (string, error) {
	f.calls++
	return "", f.err
}
func (f *flakyStorage) SetACL(context.Context, string, ACL) error { f.calls++; return f.err }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	backend := &flakyStorage{err: errors.New("connection reset")}
	b := NewBreaker(backend, 2, time.Minute)

	for i := 0; i < 2; i++ {
		if err := b.Put(ctx, "k", nil, "", ACLPrivate); err == nil {
			t.Fatalf("expected backend error")
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}
	if err := b.Put(ctx, "k", nil, "", ACLPrivate); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open-state error, got %v", err)
	}
	if backend.calls != 2 {
		t.Fatalf("open breaker must not reach the backend, calls=%d", backend.calls)
	}
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	backend := &flakyStorage{err: ErrNotFound}
	b := NewBreaker(backend, 1, time.Minute)
	for i := 0; i < 3; i++ {
		_ = b.SetACL(context.Background(), "missing", ACLPublicRead)
	}
	if b.State() != gobreaker.StateClosed {
		t.Fatalf("missing objects must not trip the breaker")
	}
}

func TestS3PutSendsCannedACL(t *testing.T) {
	var (
		mu      sync.Mutex
		gotACL  string
		gotPath string
		gotBody string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotACL = r.Header.Get("x-amz-acl")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "eu-central-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
	})
	st := NewS3(client, "horuscdn")

	if err := st.Put(context.Background(), "deployments/linux/1.2.3/pkg", []byte("0123456789"), "", ACLPrivate); err != nil {
		t.Fatalf("put: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotACL != "private" {
		t.Fatalf("expected private canned acl, got %q", gotACL)
	}
	if gotPath != "/horuscdn/deployments/linux/1.2.3/pkg" {
		t.Fatalf("unexpected request path %q", gotPath)
	}
	if !strings.Contains(gotBody, "0123456789") {
		t.Fatalf("body not forwarded: %q", gotBody)
	}
}

func TestS3PresignCarriesExpiry(t *testing.T) {
	client := s3.New(s3.Options{
		Region:       "eu-central-1",
		BaseEndpoint: aws.String("http://127.0.0.1:9000"),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
	})
	st := NewS3(client, "horuscdn")

	url, err := st.Presign(context.Background(), "deployments/linux/1.2.3/pkg", 60*time.Second)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "X-Amz-Expires=60") || !strings.Contains(url, "/horuscdn/deployments/linux/1.2.3/pkg") {
		t.Fatalf("unexpected presigned url %q", url)
	}
}
