//go:build !darwin && !linux

package notify

// NewDesktopSender returns nil where desktop notifications are unsupported.
func NewDesktopSender() Sender {
	return nil
}
