package models

// PermissionState is the notification permission observed in the client runtime.
// Keep values stable because they are reported to the UI.
type PermissionState string

const (
	PermissionUnsupported PermissionState = "unsupported"
	PermissionDefault     PermissionState = "default"
	PermissionGranted     PermissionState = "granted"
	PermissionDenied      PermissionState = "denied"
)

func (p PermissionState) Valid() bool {
	switch p {
	case PermissionUnsupported, PermissionDefault, PermissionGranted, PermissionDenied:
		return true
	}
	return false
}
