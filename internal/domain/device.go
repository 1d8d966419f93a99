package domain

// Device types accepted by /notifications/device-tokens.
const (
	DeviceIOS     = "ios"
	DeviceAndroid = "android"
	DeviceWeb     = "web"
)

// DeviceRegistration is the body of POST /notifications/device-tokens.
type DeviceRegistration struct {
	Token      string `json:"token"`
	DeviceType string `json:"device_type"`
	DeviceName string `json:"device_name,omitempty"`
}

// DeviceToken is the backend's record of a registered push token.
type DeviceToken struct {
	ID         int64  `json:"id"`
	Token      string `json:"token"`
	DeviceType string `json:"device_type"`
	DeviceName string `json:"device_name,omitempty"`
	IsActive   bool   `json:"is_active"`
	CreatedAt  string `json:"created_at,omitempty"`
}
