package platform

// DefaultCapabilities is the runtime capability set granted to both agents
// when configuration does not override it.
var DefaultCapabilities = []string{
	"android.permission.ACCESS_FINE_LOCATION",
	"android.permission.ACCESS_COARSE_LOCATION",
	"android.permission.ACCESS_BACKGROUND_LOCATION",
	"android.permission.READ_PHONE_STATE",
	"android.permission.READ_PHONE_NUMBERS",
	"android.permission.POST_NOTIFICATIONS",
	"android.permission.CAMERA",
}

// Bridge error codes returned in error bodies.
const (
	CodePackageNotFound = "package_not_found"
	CodeAdminInactive   = "admin_inactive"
	CodeInstallRejected = "install_rejected"
	CodeNotSupported    = "not_supported"
)
