package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSSink stores each record as one JSON object under analytics/<day>/.
type GCSSink struct {
	client *storage.Client
	bucket string
}

// NewGCSSink uses the service account key at credentialsPath, or application
// default credentials when it is empty. Extra client options are appended.
func NewGCSSink(ctx context.Context, bucket, credentialsPath string, extra ...option.ClientOption) (*GCSSink, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("gcs sink requires a bucket")
	}
	var opts []option.ClientOption
	if credentialsPath != "" {
		if _, err := os.Stat(credentialsPath); err != nil {
			return nil, fmt.Errorf("gcs credentials %s: %w", credentialsPath, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	opts = append(opts, extra...)
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket}, nil
}

func (s *GCSSink) Name() string { return "gcs" }

// ObjectName is analytics/<day>/<session>-<hash>-<turn time>.json with colons
// replaced so the name is safe for every tool.
func ObjectName(r Record) string {
	ts := strings.ReplaceAll(r.TurnTimestamp.Format("2006-01-02T15:04:05.000Z07:00"), ":", "-")
	return fmt.Sprintf("analytics/%s/%s-%s-%s.json", r.Day(), r.SessionKey, r.TextHash, ts)
}

func (s *GCSSink) Write(ctx context.Context, r Record) error {
	name := ObjectName(r)
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache"
	if err := json.NewEncoder(w).Encode(r); err != nil {
		_ = w.Close()
		return fmt.Errorf("encode gcs object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gcs writer for %s: %w", name, err)
	}
	return nil
}

func (s *GCSSink) Close() error {
	return s.client.Close()
}
