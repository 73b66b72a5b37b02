package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"outreach-orchestrator/internal/clients"
	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
)

type exportUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ExportHandler writes a user's prospects to a CSV artifact in S3 or on
// local disk.
type ExportHandler struct {
	prospects clients.ProspectSource
	local     exportUploader
	s3        exportUploader
}

// Export job payload accepted from the queue.
type exportPayload struct {
	CampaignID  string `json:"campaign_id"`
	Destination string `json:"destination"`
}

// NewExportHandler constructs the handler and chooses an uploader (local
// or S3 depending on configuration).
func NewExportHandler(ctx context.Context, cfg config.Config, prospects clients.ProspectSource) (*ExportHandler, error) {
	baseDir := cfg.ExportLocalDir
	if baseDir == "" {
		baseDir = "./exports"
	}

	var s3Upload exportUploader
	if cfg.ExportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ExportS3Bucket}
	}

	return &ExportHandler{
		prospects: prospects,
		local:     &localUploader{baseDir: baseDir},
		s3:        s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ExportS3Region),
	}
	if cfg.ExportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ExportS3Endpoint,
					HostnameImmutable: cfg.ExportS3PathStyle,
					SigningRegion:     cfg.ExportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ExportS3PathStyle
	}), nil
}

// Process implements the data-export processor.
func (h *ExportHandler) Process(ctx context.Context, job models.Job, report ProgressFunc) (any, error) {
	var payload exportPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	prospects, err := h.prospects.ListProspects(ctx, job.UserID, payload.CampaignID)
	if err != nil {
		return nil, err
	}

	report(models.Progress{Percent: 20, Total: len(prospects), Message: "encoding export"})
	body, err := encodeProspectsCSV(prospects)
	if err != nil {
		return nil, Terminal(err)
	}

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return nil, Terminal(err)
	}

	key := fmt.Sprintf("exports/%s/prospects-%s.csv", job.UserID, time.Now().UTC().Format("20060102-150405"))
	report(models.Progress{Percent: 70, Processed: len(prospects), Total: len(prospects), Message: "uploading export"})
	location, err := uploader.Upload(ctx, key, body, "text/csv")
	if err != nil {
		return nil, fmt.Errorf("upload export: %w", err)
	}

	report(models.Progress{Percent: 100, Processed: len(prospects), Total: len(prospects), Message: "export complete"})
	return map[string]any{"location": location, "rows": len(prospects)}, nil
}

func encodeProspectsCSV(prospects []clients.Prospect) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write([]string{"id", "name", "email", "company", "title", "enrichment", "generated_email"}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, p := range prospects {
		enrichment := ""
		if len(p.Enrichment) > 0 {
			raw, err := json.Marshal(p.Enrichment)
			if err != nil {
				return nil, fmt.Errorf("marshal enrichment for %s: %w", p.ID, err)
			}
			enrichment = string(raw)
		}
		if err := w.Write([]string{p.ID, p.Name, p.Email, p.Company, p.Title, enrichment, p.GeneratedEmail}); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func (h *ExportHandler) pickUploader(destination string) (exportUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, fmt.Errorf("destination s3 requested but EXPORT_S3_BUCKET is not configured")
	case "local":
		return h.local, nil
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	return h.local, nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.Clean(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
