package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"veracodecsv/services/veracode"
)

// Artifact is a written CSV file on its way through the post-write hooks.
// Hooks that rewrite the file update Path.
type Artifact struct {
	Path      string
	Kind      veracode.Kind
	AppID     string
	AppName   string
	SandboxID string
	BuildID   string
	Rows      int
	RunID     string
	// Object is the S3 key once uploaded.
	Object string
}

// Hook runs against every written file, in configuration order. An error
// fails the build and leaves its watermark untouched.
type Hook interface {
	Name() string
	Apply(ctx context.Context, a *Artifact) error
}

// ZstdCompressor replaces the file with a .zst copy.
type ZstdCompressor struct{}

func (ZstdCompressor) Name() string { return "zstd" }

func (ZstdCompressor) Apply(ctx context.Context, a *Artifact) error {
	return rewrite(ctx, a, ".zst", func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w)
	})
}

// AgeEncryptor replaces the file with a copy encrypted to its recipients.
type AgeEncryptor struct {
	recipients []age.Recipient
}

// NewAgeEncryptor parses age recipient strings (age1...).
func NewAgeEncryptor(recipients []string) (*AgeEncryptor, error) {
	if len(recipients) == 0 {
		return nil, errors.New("at least one age recipient is required")
	}
	parsed, err := age.ParseRecipients(strings.NewReader(strings.Join(recipients, "\n")))
	if err != nil {
		return nil, fmt.Errorf("parse age recipients: %w", err)
	}
	return &AgeEncryptor{recipients: parsed}, nil
}

func (*AgeEncryptor) Name() string { return "age" }

func (e *AgeEncryptor) Apply(ctx context.Context, a *Artifact) error {
	return rewrite(ctx, a, ".age", func(w io.Writer) (io.WriteCloser, error) {
		return age.Encrypt(w, e.recipients...)
	})
}

type uploader interface {
	PutFile(ctx context.Context, bucket, key, path string) error
}

// S3Uploader copies the file to <prefix>/<kind>/<file name> in a bucket.
type S3Uploader struct {
	client uploader
	bucket string
	prefix string
}

func NewS3Uploader(client uploader, bucket, prefix string) (*S3Uploader, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	return &S3Uploader{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (*S3Uploader) Name() string { return "s3" }

func (u *S3Uploader) Apply(ctx context.Context, a *Artifact) error {
	key := path.Join(u.prefix, string(a.Kind), filepath.Base(a.Path))
	if err := u.client.PutFile(ctx, u.bucket, key, a.Path); err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", u.bucket, key, err)
	}
	a.Object = key
	return nil
}

type publisher interface {
	Publish(ctx context.Context, subj, msgID string, v any) error
}

// ExportEvent is the JSON payload announcing a written build.
type ExportEvent struct {
	RunID      string    `json:"run_id"`
	AppID      string    `json:"app_id"`
	AppName    string    `json:"app_name"`
	SandboxID  string    `json:"sandbox_id,omitempty"`
	BuildID    string    `json:"build_id"`
	Kind       string    `json:"kind"`
	File       string    `json:"file"`
	Object     string    `json:"object,omitempty"`
	Rows       int       `json:"rows"`
	ExportedAt time.Time `json:"exported_at"`
}

// EventPublisher announces each exported build on a subject.
type EventPublisher struct {
	pub     publisher
	subject string
	now     func() time.Time
}

func NewEventPublisher(pub publisher, subject string) (*EventPublisher, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if subject == "" {
		return nil, errors.New("subject is required")
	}
	return &EventPublisher{pub: pub, subject: subject, now: time.Now}, nil
}

func (*EventPublisher) Name() string { return "nats" }

func (p *EventPublisher) Apply(ctx context.Context, a *Artifact) error {
	event := ExportEvent{
		RunID:      a.RunID,
		AppID:      a.AppID,
		AppName:    a.AppName,
		SandboxID:  a.SandboxID,
		BuildID:    a.BuildID,
		Kind:       string(a.Kind),
		File:       filepath.Base(a.Path),
		Object:     a.Object,
		Rows:       a.Rows,
		ExportedAt: p.now().UTC(),
	}
	msgID := strings.Join([]string{a.RunID, a.AppID, a.SandboxID, a.BuildID}, ":")
	if err := p.pub.Publish(ctx, p.subject, msgID, event); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

// rewrite streams a.Path through wrap into a.Path+ext and removes the
// original once the new file is complete.
func rewrite(ctx context.Context, a *Artifact, ext string, wrap func(io.Writer) (io.WriteCloser, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(a.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst := a.Path + ext
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		out.Close()
		os.Remove(dst)
		return err
	}

	w, err := wrap(out)
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	src.Close()
	if err := os.Remove(a.Path); err != nil {
		return err
	}
	a.Path = dst
	return nil
}
