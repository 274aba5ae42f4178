package fdc2214

import "fmt"

// Addr is the I2C address of the FDC2212/FDC2214 with the ADDR pin tied low.
const Addr uint16 = 0x2A

// Register is a register address on the chip.
type Register uint8

const (
	RegDataCh0          Register = 0x00
	RegDataLsbCh0       Register = 0x01
	RegDataCh1          Register = 0x02
	RegDataLsbCh1       Register = 0x03
	RegRCountCh0        Register = 0x08
	RegRCountCh1        Register = 0x09
	RegSettleCountCh0   Register = 0x10
	RegSettleCountCh1   Register = 0x11
	RegClockDividersCh0 Register = 0x14
	RegClockDividersCh1 Register = 0x15
	RegStatus           Register = 0x18
	RegErrorConfig      Register = 0x19
	RegConfig           Register = 0x1A
	RegMuxConfig        Register = 0x1B
	RegReset            Register = 0x1C
	RegDriveCurrentCh0  Register = 0x1E
	RegDriveCurrentCh1  Register = 0x1F
	RegManufacturerID   Register = 0x7E
	RegDeviceID         Register = 0x7F
)

func (r Register) String() string {
	switch r {
	case RegDataCh0:
		return "DATA_CH0"
	case RegDataLsbCh0:
		return "DATA_LSB_CH0"
	case RegDataCh1:
		return "DATA_CH1"
	case RegDataLsbCh1:
		return "DATA_LSB_CH1"
	case RegRCountCh0:
		return "RCOUNT_CH0"
	case RegRCountCh1:
		return "RCOUNT_CH1"
	case RegSettleCountCh0:
		return "SETTLECOUNT_CH0"
	case RegSettleCountCh1:
		return "SETTLECOUNT_CH1"
	case RegClockDividersCh0:
		return "CLOCK_DIVIDERS_CH0"
	case RegClockDividersCh1:
		return "CLOCK_DIVIDERS_CH1"
	case RegStatus:
		return "STATUS"
	case RegErrorConfig:
		return "ERROR_CONFIG"
	case RegConfig:
		return "CONFIG"
	case RegMuxConfig:
		return "MUX_CONFIG"
	case RegReset:
		return "RESET_DEV"
	case RegDriveCurrentCh0:
		return "DRIVE_CURRENT_CH0"
	case RegDriveCurrentCh1:
		return "DRIVE_CURRENT_CH1"
	case RegManufacturerID:
		return "MANUFACTURER_ID"
	case RegDeviceID:
		return "DEVICE_ID"
	}
	return fmt.Sprintf("Register(%#02x)", uint8(r))
}

// Channel selects one of the two sensing channels.
type Channel uint8

const (
	Channel0 Channel = iota
	Channel1
)

func (c Channel) String() string {
	switch c {
	case Channel0:
		return "CH0"
	case Channel1:
		return "CH1"
	}
	return fmt.Sprintf("Channel(%d)", uint8(c))
}

// Valid reports whether c names a channel present on the chip.
func (c Channel) Valid() bool {
	return c == Channel0 || c == Channel1
}

// configBit is the offset added to the CONFIG high byte to address the
// channel's ACTIVE_CHAN field.
func (c Channel) configBit() uint8 {
	return uint8(c) * 0x40
}

// dataReg returns the MSB data register of the channel; the LSB register
// follows it.
func (c Channel) dataReg() Register {
	return Register(uint8(c) * 2)
}

// Expected identification register contents.
const (
	manufacturerTI uint16 = 0x5449
	deviceFDC221x  uint16 = 0x3055
)

// CONFIG register high byte. The low byte is always configLow.
const (
	configAwake uint8 = 0x1E // sleep off, full drive, external clock, INTB enabled
	configSleep uint8 = 0x3E // same with SLEEP_MODE_EN set
	configLow   uint8 = 0x01
)

// Power-on register values written by Init.
const (
	resetCommand       uint8  = 0x80
	defaultRCount      uint16 = 0x0100 // 256 reference clock cycles
	defaultSettleCount uint16 = 0x000A // 10 reference clock cycles
	clockDividersInit  uint8  = 0x10   // CHx_FIN_SEL = 1
	clockDividersSet   uint8  = 0x20   // CHx_FIN_SEL = 2
	defaultRefDivider  uint8  = 0x01
	errorConfigLow     uint8  = 0x01 // DRDY_2INT
	muxConfigHigh      uint8  = 0x02 // AUTOSCAN_EN off, RR_SEQUENCE = CH0, CH1
	muxConfigLow       uint8  = 0x0D // DEGLITCH = 10MHz
	maxDriveCurrent    uint8  = 0x1F
)

// Data register status bits, counted in the most significant byte of a
// reading.
const (
	dataWatchdogBit  uint32 = 1 << (24 + 5)
	dataAmplitudeBit uint32 = 1 << (24 + 4)
	dataStatusMask          = dataWatchdogBit | dataAmplitudeBit
)

// STATUS register fields.
const (
	statusErrChanShift        = 14
	statusErrWatchdog  uint16 = 1 << 11
	statusErrAmpHigh   uint16 = 1 << 10
	statusErrAmpLow    uint16 = 1 << 9
	statusDataReady    uint16 = 1 << 6
	statusUnreadCh0    uint16 = 1 << 3
	statusUnreadCh1    uint16 = 1 << 2
)

// Parameter limits.
const (
	minRCount      uint16 = 0x0100
	minSettleCount uint16 = 0x0002
	minRefDivider  uint8  = 1
)
