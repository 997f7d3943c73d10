package repo

import (
	"context"

	"github.com/cronicorn/scheduler/internal/cryptutil"
	"github.com/cronicorn/scheduler/internal/jsonval"
	"github.com/cronicorn/scheduler/internal/model"
)

// SensitiveHeaders names the header keys (matched case-sensitively
// against the keys exactly as given) that EncryptingJobsRepo seals before
// handing an endpoint to the underlying JobsRepo, and opens again on
// read (spec.md §5: "Encryption of sensitive headers ... performed by
// the repo at read/write boundaries with a process-wide key").
var SensitiveHeaders = map[string]bool{
	"Authorization": true,
	"X-Api-Key":     true,
	"Cookie":        true,
}

// EncryptingJobsRepo decorates a JobsRepo, transparently sealing
// SensitiveHeaders values on write and opening them on read. It composes
// with either backend (sqlite or postgres) since both store headersJson
// as an opaque JSON blob.
type EncryptingJobsRepo struct {
	JobsRepo
	box *cryptutil.Box
}

// NewEncryptingJobsRepo wraps inner with header encryption using box.
func NewEncryptingJobsRepo(inner JobsRepo, box *cryptutil.Box) *EncryptingJobsRepo {
	return &EncryptingJobsRepo{JobsRepo: inner, box: box}
}

func (r *EncryptingJobsRepo) sealHeaders(v jsonval.Value) (jsonval.Value, error) {
	m := v.ToStringMap()
	if len(m) == 0 {
		return v, nil
	}
	sealed := make(map[string]string, len(m))
	for k, val := range m {
		if SensitiveHeaders[k] {
			s, err := r.box.Seal(val)
			if err != nil {
				return v, err
			}
			sealed[k] = cryptutil.SealedPrefix + s
		} else {
			sealed[k] = val
		}
	}
	return jsonval.StringMap(sealed), nil
}

func (r *EncryptingJobsRepo) openHeaders(v jsonval.Value) jsonval.Value {
	m := v.ToStringMap()
	if len(m) == 0 {
		return v
	}
	opened := make(map[string]string, len(m))
	for k, val := range m {
		if len(val) > len(cryptutil.SealedPrefix) && val[:len(cryptutil.SealedPrefix)] == cryptutil.SealedPrefix {
			plain, err := r.box.Open(val[len(cryptutil.SealedPrefix):])
			if err == nil {
				opened[k] = plain
				continue
			}
		}
		opened[k] = val
	}
	return jsonval.StringMap(opened)
}

// AddEndpoint seals sensitive headers before delegating.
func (r *EncryptingJobsRepo) AddEndpoint(ctx context.Context, ep *model.JobEndpoint) error {
	sealed, err := r.sealHeaders(ep.HeadersJson)
	if err != nil {
		return err
	}
	clone := *ep
	clone.HeadersJson = sealed
	return r.JobsRepo.AddEndpoint(ctx, &clone)
}

// GetEndpoint opens sensitive headers after delegating.
func (r *EncryptingJobsRepo) GetEndpoint(ctx context.Context, id string) (*model.JobEndpoint, error) {
	ep, err := r.JobsRepo.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	ep.HeadersJson = r.openHeaders(ep.HeadersJson)
	return ep, nil
}

// UpdateEndpoint seals sensitive headers in the patch, if present.
func (r *EncryptingJobsRepo) UpdateEndpoint(ctx context.Context, id string, patch EndpointPatch) error {
	if patch.HeadersJson != nil {
		sealed, err := r.sealHeaders(*patch.HeadersJson)
		if err != nil {
			return err
		}
		patch.HeadersJson = &sealed
	}
	return r.JobsRepo.UpdateEndpoint(ctx, id, patch)
}
