// Package reliability provides the retention archival the Janitor (C7)
// consults before it deletes terminal executions, grounded on the teacher's
// internal/reliability/r2_backup_service.go: the same tar.gz-plus-checksum-
// manifest shape, the same S3-compatible upload path, pointed at batches of
// terminal executions instead of whole sqlite files.
package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/sentinel/internal/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Config names the destination bucket for archived executions. Region and
// credentials are resolved the standard aws-sdk-go-v2 way (env vars, shared
// config file, or an R2-style endpoint override via AWS_ENDPOINT_URL).
type Config struct {
	Bucket string
}

// Archiver uploads batches of terminal executions to S3 (or an S3-compatible
// endpoint, e.g. Cloudflare R2) before the Janitor deletes them from the
// state store. Satisfies janitor.Archiver.
type Archiver struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// New loads AWS credentials/region the default way and wires an Archiver.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("reliability: load aws config: %w", err)
	}
	return &Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		log:    log.With().Str("component", "reliability.Archiver").Logger(),
	}, nil
}

// manifest mirrors the teacher's BackupMetadata shape, scoped to one archive
// batch rather than a whole-database snapshot.
type manifest struct {
	Timestamp    time.Time `json:"timestamp"`
	Count        int       `json:"count"`
	ExecutionIDs []string  `json:"execution_ids"`
	Checksum     string    `json:"checksum"`
}

// Archive writes executions as one JSON document per execution plus a
// manifest into a tar.gz archive, then uploads it to the configured bucket
// under executions/sentinel-executions-<timestamp>.tar.gz. Never mutates executions or deletes
// anything locally — that remains the Janitor's responsibility once Archive
// returns without error.
func (a *Archiver) Archive(ctx context.Context, executions []*store.Execution) error {
	if len(executions) == 0 {
		return nil
	}

	archive, ids, checksum, err := buildArchive(executions)
	if err != nil {
		return fmt.Errorf("reliability: build archive: %w", err)
	}

	key := fmt.Sprintf("executions/sentinel-executions-%s.tar.gz", time.Now().UTC().Format("2006-01-02-150405"))
	uploader := manager.NewUploader(a.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(archive),
	})
	if err != nil {
		return fmt.Errorf("reliability: upload archive to s3: %w", err)
	}

	a.log.Info().Str("key", key).Int("count", len(ids)).Str("checksum", checksum).
		Msg("archived terminal executions before retention delete")
	return nil
}

// buildArchive tars one JSON file per execution plus a manifest.json, gzips
// the result, and returns the archive bytes alongside the ids it contains
// and a checksum of the whole payload (for the manifest, not verification —
// S3 already gives us per-object integrity).
func buildArchive(executions []*store.Execution) ([]byte, []string, string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	ids := make([]string, 0, len(executions))
	hash := sha256.New()

	for _, e := range executions {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, nil, "", fmt.Errorf("marshal execution %s: %w", e.ID, err)
		}
		hash.Write(data)
		ids = append(ids, e.ID)

		name := fmt.Sprintf("%s.json", e.ID)
		if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0644, ModTime: time.Now()}); err != nil {
			return nil, nil, "", err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, nil, "", err
		}
	}

	checksum := fmt.Sprintf("sha256:%x", hash.Sum(nil))
	m := manifest{Timestamp: time.Now().UTC(), Count: len(ids), ExecutionIDs: ids, Checksum: checksum}
	manifestData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, nil, "", err
	}
	if err := tw.WriteHeader(&tar.Header{Name: "manifest.json", Size: int64(len(manifestData)), Mode: 0644, ModTime: time.Now()}); err != nil {
		return nil, nil, "", err
	}
	if _, err := tw.Write(manifestData); err != nil {
		return nil, nil, "", err
	}

	if err := tw.Close(); err != nil {
		return nil, nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, nil, "", err
	}

	return buf.Bytes(), ids, checksum, nil
}
