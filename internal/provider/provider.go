// Package provider defines the capability boundary to the virtualization
// control plane. Call sites depend on the Provider interface only; the
// production adapter lives in internal/proxmox and an in-memory adapter in
// this package.
package provider

import (
	"context"
	"errors"
	"io"

	"github.com/cyberlab/labd/internal/model"
)

var (
	// ErrInsufficientStorage means disk admission failed before the
	// operation started; nothing was created remotely.
	ErrInsufficientStorage = errors.New("insufficient_storage")

	// ErrResourceExhausted means the numeric ID range has no free value.
	ErrResourceExhausted = errors.New("resource_exhausted")

	// ErrInvalidUpload means the image stream failed header validation;
	// no byte was transferred.
	ErrInvalidUpload = errors.New("invalid_upload")

	// ErrUploadFailed means the transfer or the remote import command
	// failed after validation passed.
	ErrUploadFailed = errors.New("upload_failed")

	// ErrBackend means the control plane rejected or timed out an
	// operation.
	ErrBackend = errors.New("backend_error")
)

// Provider is the virtualization capability. Deletes are not idempotent:
// deleting an unknown backend ID is an error, so callers must not retry
// blindly after a success.
type Provider interface {
	// CreateInstance admission-checks disk, allocates an ID from the
	// instance range and clones parent, polling the clone task to
	// completion.
	CreateInstance(ctx context.Context, parent model.VmTemplate) (model.VmInstance, error)

	// DeleteInstance destroys a VM instance by backend ID.
	DeleteInstance(ctx context.Context, vmid int) error

	// CreateTemplate validates the image stream, stages and imports it,
	// and returns the resulting template.
	CreateTemplate(ctx context.Context, image io.Reader, name, description string) (model.VmTemplate, error)

	// DeleteTemplate destroys a template VM by backend ID.
	DeleteTemplate(ctx context.Context, vmid int) error

	// ConsoleCredentials fetches a short-lived remote-console ticket.
	ConsoleCredentials(ctx context.Context, vmid int) (model.ConsoleCredentials, error)

	// ProvisionLabNetwork builds one isolated network and bridges every
	// instance in the batch onto it. Must be called only after all
	// sibling instances exist.
	ProvisionLabNetwork(ctx context.Context, instances map[string]model.VmInstance) error

	// DiskUsagePercent reports the used fraction of the image volume.
	DiskUsagePercent(ctx context.Context) (int, error)
}
