package device

import "github.com/ardnew/softbridge/regbus"

// Bulk pipe addresses of the mass storage interface.
const (
	BulkInAddress  = 0x80 | regbus.EPBulkIn
	BulkOutAddress = regbus.EPBulkOut
)

// Identity holds the values that distinguish one bridge product from another.
type Identity struct {
	VendorID      uint16 `json:"vendorId"`
	ProductID     uint16 `json:"productId"`
	DeviceVersion uint16 `json:"deviceVersion"`
	Manufacturer  string `json:"manufacturer"`
	Product       string `json:"product"`
	Serial        string `json:"serial"`
}

// DefaultIdentity returns the ASM2464PD factory identity.
func DefaultIdentity() Identity {
	return Identity{
		VendorID:      0x174C,
		ProductID:     0x2462,
		DeviceVersion: 0x0100,
		Manufacturer:  "Asmedia",
		Product:       "ASM2464PD",
		Serial:        "v00000000000",
	}
}

// String descriptor indices used by the bridge.
const (
	StringSerial       = 1
	StringManufacturer = 2
	StringProduct      = 3
)

// NewMassStorageDevice builds the single-configuration Bulk-Only mass
// storage device the bridge enumerates as.
func NewMassStorageDevice(id Identity) (*Device, error) {
	return NewDeviceBuilder().
		WithDescriptor(&DeviceDescriptor{
			Length:            DeviceDescriptorSize,
			DescriptorType:    DescriptorTypeDevice,
			USBVersion:        0x0210,
			MaxPacketSize0:    64,
			VendorID:          id.VendorID,
			ProductID:         id.ProductID,
			DeviceVersion:     id.DeviceVersion,
			ManufacturerIndex: StringManufacturer,
			ProductIndex:      StringProduct,
			SerialNumberIndex: StringSerial,
		}).
		WithString(StringSerial, id.Serial).
		WithString(StringManufacturer, id.Manufacturer).
		WithString(StringProduct, id.Product).
		WithBOS(&BOSDescriptor{
			LPM:                  true,
			SpeedsSupported:      SpeedSupportFull | SpeedSupportHigh | SpeedSupportSuper,
			FunctionalitySupport: 1,
			U1DevExitLat:         0x0A,
			U2DevExitLat:         0x07FF,
		}).
		AddConfiguration(1, ConfigAttrBusPowered, 0xFA).
		AddInterface(ClassMassStorage, SubClassSCSI, ProtocolBulkOnly).
		AddEndpoint(BulkInAddress, EndpointTypeBulk, 512, regbus.SlotBulkIn).
		AddEndpoint(BulkOutAddress, EndpointTypeBulk, 512, regbus.SlotBulkOut).
		Build()
}
