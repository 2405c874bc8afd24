package photo

import (
	"context"
	"encoding/base64"

	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/logging"
	"github.com/kimhsiao/logistik/backend/internal/models"
)

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// Options controls compression.
type Options struct {
	Quality   int
	MaxWidth  int
	MaxHeight int
}

// DefaultOptions returns quality 70 and a 1280x1280 bound.
func DefaultOptions() Options {
	return Options{Quality: DefaultQuality, MaxWidth: DefaultMaxWidth, MaxHeight: DefaultMaxHeight}
}

// Pipeline turns captured images into photo references. Uploads are
// attempted only while online; anything that cannot be uploaded now is
// kept as a pending reference and resolved at sync time.
type Pipeline struct {
	uploader Uploader
	online   OnlineChecker
	opts     Options
}

// NewPipeline creates a Pipeline. A nil uploader keeps every photo pending.
func NewPipeline(uploader Uploader, online OnlineChecker, opts Options) *Pipeline {
	return &Pipeline{uploader: uploader, online: online, opts: opts}
}

func (p *Pipeline) isOnline() bool {
	return p.online != nil && p.online.IsOnline()
}

// Compress applies the pipeline's compression settings.
func (p *Pipeline) Compress(raw []byte) ([]byte, error) {
	return Compress(raw, p.opts.Quality, p.opts.MaxWidth, p.opts.MaxHeight)
}

// Pending wraps blob as a pending reference.
func Pending(blob []byte) models.PhotoRef {
	return models.PhotoRef{Kind: models.PhotoPending, Value: base64.StdEncoding.EncodeToString(blob)}
}

// UploadIfOnline uploads blob when online and returns a remote reference.
// Offline, or when the upload fails, it returns a pending reference
// carrying the blob. It never fails.
func (p *Pipeline) UploadIfOnline(ctx context.Context, blob []byte, filename string) models.PhotoRef {
	if !p.isOnline() || p.uploader == nil {
		return Pending(blob)
	}
	if filename == "" {
		filename = Filename(blob)
	}

	url, err := p.uploader.Upload(ctx, blob, filename)
	if err != nil {
		logging.Warn("photo upload failed, keeping it for later", map[string]interface{}{
			"filename": filename,
			"error":    err.Error(),
		})
		return Pending(blob)
	}
	return models.PhotoRef{Kind: models.PhotoRemote, Value: url}
}

// Capture compresses raw and hands the result to UploadIfOnline.
// Compression errors are returned so the caller can skip the photo.
func (p *Pipeline) Capture(ctx context.Context, raw []byte) (models.PhotoRef, error) {
	blob, err := p.Compress(raw)
	if err != nil {
		return models.PhotoRef{}, err
	}
	return p.UploadIfOnline(ctx, blob, Filename(blob)), nil
}

// Resolve uploads every pending reference. Entries that uploaded become
// remote and all others keep their order unchanged, except pending
// references whose blob cannot be decoded: those are dropped, so the result
// may be shorter than refs. The first upload failure is returned as
// NETWORK_TRANSPORT after the remaining refs have still been attempted.
func (p *Pipeline) Resolve(ctx context.Context, refs []models.PhotoRef) ([]models.PhotoRef, error) {
	out := make([]models.PhotoRef, 0, len(refs))

	var firstErr error
	for i, ref := range refs {
		if ref.Kind != models.PhotoPending {
			out = append(out, ref)
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(ref.Value)
		if err != nil {
			logging.Error("dropping undecodable pending photo", err, map[string]interface{}{"index": i})
			continue
		}
		if p.uploader == nil {
			if firstErr == nil {
				firstErr = errors.New(errors.ErrNetworkTransport, "no photo uploader configured")
			}
			out = append(out, ref)
			continue
		}
		url, err := p.uploader.Upload(ctx, blob, Filename(blob))
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrap(errors.ErrNetworkTransport, "photo upload failed", err)
			}
			out = append(out, ref)
			continue
		}
		out = append(out, models.PhotoRef{Kind: models.PhotoRemote, Value: url})
	}
	return out, firstErr
}
