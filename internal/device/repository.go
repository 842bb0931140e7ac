package device

import "context"

// Repository defines the interface for device and SIM persistence.
// Implementations are not required to serialize writers; the Registry does that per key.
type Repository interface {
	// GetDevice retrieves a device by ID.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// SaveDevice creates or replaces a device.
	SaveDevice(ctx context.Context, d *Device) error

	// ListDevices returns all devices ordered by ID.
	ListDevices(ctx context.Context) ([]*Device, error)

	// FindDeviceBySim returns the device currently linked to the SIM.
	// Returns ErrDeviceNotFound if the SIM is unlinked.
	FindDeviceBySim(ctx context.Context, simID string) (*Device, error)

	// GetSIM retrieves a SIM by ID.
	GetSIM(ctx context.Context, id string) (*SIM, error)

	// SaveSIM creates or replaces a SIM.
	SaveSIM(ctx context.Context, s *SIM) error

	// ListSIMs returns all SIMs ordered by ID.
	ListSIMs(ctx context.Context) ([]*SIM, error)

	// SaveDeviceImei saves the device and appends its IMEI change record
	// atomically: either both are stored or neither is.
	SaveDeviceImei(ctx context.Context, d *Device, entry ImeiAudit) error

	// ListImeiAudit returns the IMEI history of a device, oldest first.
	ListImeiAudit(ctx context.Context, deviceID string) ([]ImeiAudit, error)
}
