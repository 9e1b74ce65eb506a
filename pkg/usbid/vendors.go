package usbid

import "fmt"

// vendors is a small table of USB-IF vendor IDs seen on DFU bootloaders.
var vendors = map[uint16]Vendor{
	0x0483: {ID: 0x0483, Name: "STMicroelectronics", Abbreviation: "STM"},
	0x1209: {ID: 0x1209, Name: "pid.codes", Abbreviation: "pid.codes"},
	0x1d50: {ID: 0x1d50, Name: "OpenMoko", Abbreviation: "OpenMoko"},
	0x28e9: {ID: 0x28e9, Name: "GigaDevice", Abbreviation: "GD"},
	0x2e8a: {ID: 0x2e8a, Name: "Raspberry Pi", Abbreviation: "RPi"},
	0x303a: {ID: 0x303a, Name: "Espressif", Abbreviation: "Espressif"},
	0x0d28: {ID: 0x0d28, Name: "NXP (ARM mbed)", Abbreviation: "NXP"},
	0x1fc9: {ID: 0x1fc9, Name: "NXP Semiconductors", Abbreviation: "NXP"},
	0x2341: {ID: 0x2341, Name: "Arduino", Abbreviation: "Arduino"},
	0x1915: {ID: 0x1915, Name: "Nordic Semiconductor", Abbreviation: "Nordic"},
}

var bootloaders = map[ID]Bootloader{
	{Vendor: 0x0483, Product: 0xdf11}: {
		Name:        "STM32 BOOTLOADER",
		Family:      "STM32",
		Description: "ST system memory DfuSe bootloader",
		DfuSe:       true,
	},
	{Vendor: 0x28e9, Product: 0x0189}: {
		Name:        "GD32 DFU Bootloader",
		Family:      "GD32",
		Description: "GigaDevice DfuSe-compatible bootloader",
		DfuSe:       true,
	},
	{Vendor: 0x1d50, Product: 0x6017}: {
		Name:        "Black Magic Probe DFU",
		Family:      "BMP",
		Description: "Black Magic Probe firmware upgrade mode",
		DfuSe:       true,
	},
	{Vendor: 0x2341, Product: 0x0064}: {
		Name:        "Arduino DFU",
		Family:      "Arduino",
		Description: "Arduino UNO R4 bootloader",
	},
}

// LookupVendor returns vendor info for a USB vendor ID.
func LookupVendor(id uint16) (Vendor, bool) {
	v, ok := vendors[id]
	if !ok {
		return Vendor{
			ID:           id,
			Name:         fmt.Sprintf("Unknown (0x%04X)", id),
			Abbreviation: "Unknown",
		}, false
	}
	return v, true
}

// LookupBootloader returns what is known about a DFU-mode product. Unknown
// products get a generic entry.
func LookupBootloader(id ID) (Bootloader, bool) {
	if b, ok := bootloaders[id]; ok {
		b.ID = id
		return b, true
	}
	vendor, _ := LookupVendor(id.Vendor)
	return Bootloader{
		ID:          id,
		Name:        "Unknown DFU device",
		Family:      vendor.Abbreviation,
		Description: "No entry in bootloader table",
	}, false
}
