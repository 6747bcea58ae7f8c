// remote/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// GCS is a Target that stores files in a Google Cloud Storage bucket.
type GCS struct {
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	name    string
	opts    GCSOptions
	limiter *Limiter
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Storage class for chunks, which are rarely read back; snapshot
	// files use the bucket's default. Optional.
	ChunkStorageClass string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

// NewGCS opens the bucket, creating it if it doesn't exist. Credentials
// come from the environment, as with gcloud.
func NewGCS(ctx context.Context, options GCSOptions) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	g := &GCS{
		client: client,
		bucket: client.Bucket(options.BucketName),
		name:   options.BucketName,
		opts:   options,
	}

	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			client.Close()
			return nil, errors.Errorf("%s: project id needed to create bucket",
				options.BucketName)
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if err := g.bucket.Create(ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc}); err != nil {
			client.Close()
			return nil, err
		}
	} else if err != nil {
		client.Close()
		return nil, err
	}

	g.limiter = NewLimiter(options.MaxUploadBytesPerSecond, options.MaxDownloadBytesPerSecond)
	return g, nil
}

func (g *GCS) Close() error {
	g.limiter.Stop()
	return g.client.Close()
}

func (g *GCS) String() string { return "gs://" + g.name }

func (g *GCS) ForFiles(ctx context.Context, prefix string, f func(name string) error) error {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return nil
		} else if err != nil {
			return err
		}
		if strings.HasSuffix(obj.Name, ".tmp") {
			continue
		}
		if err := f(obj.Name); err != nil {
			return err
		}
	}
}

func (g *GCS) Exists(ctx context.Context, name string) (bool, error) {
	_, err := g.bucket.Object(name).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case err == gcs.ErrObjectNotExist:
		return false, nil
	default:
		return false, err
	}
}

func (g *GCS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	log.Debug("%s: starting gcs download", name)

	obj := g.bucket.Object(name)
	var b []byte
	err := retry(ctx, name, func() error {
		r, err := obj.NewReader(ctx)
		if err == gcs.ErrObjectNotExist {
			return errors.Wrapf(ErrNotFound, "%s", name)
		} else if err != nil {
			return err
		}
		b, err = io.ReadAll(g.limiter.DownloadReader(r))
		r.Close()
		return err
	})
	return b, err
}

// retry runs f until it succeeds, a handful of attempts have failed, or
// the error is one that retrying won't fix.
func retry(ctx context.Context, n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries || errors.Is(err, ErrNotFound) ||
			errors.Is(err, ErrExists) {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		select {
		case <-time.After(time.Duration(100*(tries+1)) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateFile uploads to a temporary object and then copies it to its
// final name, so that a partially-uploaded file is never visible.
func (g *GCS) CreateFile(ctx context.Context, name string, data []byte) error {
	// It seems that using Object.If(storage.Conditions{DoesNotExist:true})
	// ends up uploading the entire file contents before catching the "oh,
	// it already exists" error upon the Close() call.  Good times.
	// Checking for existence by grabbing the attrs is much more efficient.
	if exists, err := g.Exists(ctx, name); err != nil {
		return err
	} else if exists {
		return errors.Wrapf(ErrExists, "%s", name)
	}

	storageClass := ""
	if strings.HasPrefix(name, chunksPrefix) {
		storageClass = g.opts.ChunkStorageClass
	}
	return retry(ctx, name, func() error {
		return g.upload(ctx, name, storageClass, data)
	})
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *GCS) upload(ctx context.Context, name string, storageClass string, buf []byte) error {
	obj := g.bucket.Object(name)
	tmpObj := g.bucket.Object(name + ".tmp")

	log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(context.Background())

	r := g.limiter.UploadReader(bytes.NewReader(buf))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is; a mismatch most likely means the data was corrupted
	// on the way, so the upload is retried.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	if gcsCrc := w.Attrs().CRC32C; localCrc != gcsCrc {
		return errors.Errorf("%s: CRC32 checksum mismatch. Local: %d, GCS: %d",
			tmpObj.ObjectName(), localCrc, gcsCrc)
	}

	// Make the final object by copying from the temporary one; the
	// precondition keeps a concurrent writer's object from being
	// replaced.
	copier := obj.If(gcs.Conditions{DoesNotExist: true}).CopierFrom(tmpObj)
	if storageClass != "" {
		copier.StorageClass = storageClass
	}
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	if _, err := copier.Run(ctx); err != nil {
		if exists, eerr := g.Exists(ctx, name); eerr == nil && exists {
			return errors.Wrapf(ErrExists, "%s", name)
		}
		return err
	}
	log.Verbose("%s: finished upload", name)
	return nil
}
