package transfer

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// uploadedToken is the token issued for a completed object-store upload.
// The upload itself is synchronous, so polling it always reports Delivered;
// the token exists so provisioned cluster deliveries can converge through
// the same monitor path as the tape backend.
const uploadedToken = "uploaded"

// S3 uploads the staged file list into an object-store bucket. Objects are
// keyed under the remote delivery project so several projects can share a
// bucket without colliding.
type S3 struct {
	Bucket string

	client *minio.Client
	log    zerolog.Logger
}

// NewS3 dials the object-store endpoint and returns the bucket-backed
// Backend.
func NewS3(endpoint, accessKey, secretKey, bucket string, secure bool, log zerolog.Logger) (*S3, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: connect object store: %w", err)
	}
	return &S3{Bucket: bucket, client: client, log: log}, nil
}

// Transfer implements Backend. Every entry of the request's file list is
// uploaded as <RemoteProject>/<relative path>; a failed upload aborts the
// transfer with the already uploaded objects left in place for a retry to
// overwrite. A request without a file list uploads the whole source tree,
// which is how the cluster hand-off passes a hard-staged directory. When a
// remote delivery project is addressed the record carries the uploaded
// token for the monitor to converge.
func (s *S3) Transfer(ctx context.Context, req Request) (Record, error) {
	var files []string
	var err error
	if req.FileList != "" {
		files, err = ReadFileList(req.FileList)
	} else {
		files, err = listTree(req.SourceDir)
	}
	if err != nil {
		return Record{}, err
	}
	for _, rel := range files {
		key := path.Join(req.RemoteProject, filepath.ToSlash(rel))
		src := filepath.Join(req.SourceDir, rel)
		s.log.Debug().Str("bucket", s.Bucket).Str("key", key).Msg("uploading object")
		if _, err := s.client.FPutObject(ctx, s.Bucket, key, src, minio.PutObjectOptions{}); err != nil {
			return Record{OK: false}, fmt.Errorf("transfer: upload %s: %w", rel, err)
		}
	}
	s.log.Info().Str("bucket", s.Bucket).Int("files", len(files)).Msg("object store transfer complete")
	rec := Record{OK: true}
	if req.RemoteProject != "" {
		rec.Token = uploadedToken
	}
	return rec, nil
}

// Poll implements AsyncBackend. The upload completed before the token was
// issued, so a known token is already delivered.
func (s *S3) Poll(_ context.Context, token string) (RemoteStatus, error) {
	if token == uploadedToken {
		return RemoteDelivered, nil
	}
	return RemoteUnknown, nil
}

// listTree enumerates the files below root, relative to root.
func listTree(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: list %s: %w", root, err)
	}
	return files, nil
}
