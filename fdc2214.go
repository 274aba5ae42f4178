// Package fdc2214 drives the Texas Instruments FDC2212/FDC2214
// capacitance-to-digital converter over I2C.
//
// The chip measures the oscillation frequency of an LC tank on one of two
// channels. Only single-channel conversion is supported; both channels are
// always programmed with the same parameters and the active channel is
// switched with SetActiveChannel.
//
// Datasheet: https://www.ti.com/lit/ds/symlink/fdc2214.pdf
package fdc2214

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

var (
	// ErrInvalidChannel is returned for a channel other than Channel0 or
	// Channel1.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrOutOfRange is returned by the parameter setters before any bus
	// traffic when the value cannot be programmed.
	ErrOutOfRange = errors.New("value out of range")

	errSensing   = errors.New("already sensing continuously")
	errNoPin     = errors.New("data ready pin not connected")
	errUnknownID = errors.New("unexpected identification")
)

// TxError reports a failed bus transaction addressed to a register.
type TxError struct {
	Op  string
	Reg Register
	Err error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Reg, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// Opts holds various configuration options for the sensor
type Opts struct {
	// ReferenceClock is the frequency of the external oscillator gated by the
	// clock enable pin.
	ReferenceClock physic.Frequency
	// Channel is the channel selected by Init.
	Channel Channel
}

func DefaultOptions() *Opts {
	return &Opts{
		ReferenceClock: 40 * physic.MegaHertz,
		Channel:        Channel0,
	}
}

// Pins are the control lines wired to the chip. A nil pin is skipped, for
// boards that tie the line to a fixed level.
type Pins struct {
	ClockEnable gpio.PinOut
	// DataReady is INTB, driven low by the chip when a conversion is ready.
	DataReady gpio.PinIn
	Shutdown  gpio.PinOut
}

const (
	busSpeed   = 400 * physic.KiloHertz
	resetPulse = time.Millisecond
)

// New enables the reference clock, pulses the shutdown line to reset the chip
// and sets the bus to fast mode.
//
// The chip is not touched over the bus; call Init before using it.
func New(b i2c.Bus, pins Pins, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	d := &Dev{
		d:            &i2c.Dev{Bus: b, Addr: Addr},
		opts:         *opts,
		name:         "fdc2214",
		pins:         pins,
		channel:      opts.Channel,
		rCount:       defaultRCount,
		settleCount:  defaultSettleCount,
		refDivider:   defaultRefDivider,
		finSel:       finSel(clockDividersInit),
		driveCurrent: maxDriveCurrent,
	}

	if !opts.Channel.Valid() {
		return nil, d.wrap(fmt.Errorf("%w: %s", ErrInvalidChannel, opts.Channel))
	}
	if opts.ReferenceClock < physic.Hertz {
		return nil, d.wrap(fmt.Errorf("invalid reference clock: %s", opts.ReferenceClock))
	}

	// Enable the external oscillator
	if pins.ClockEnable != nil {
		if err := pins.ClockEnable.Out(gpio.High); err != nil {
			return nil, d.wrap(err)
		}
	}

	if pins.DataReady != nil {
		if err := pins.DataReady.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			return nil, d.wrap(err)
		}
	}

	// Hardware reset
	if pins.Shutdown != nil {
		if err := pins.Shutdown.Out(gpio.High); err != nil {
			return nil, d.wrap(err)
		}
		time.Sleep(resetPulse)
		if err := pins.Shutdown.Out(gpio.Low); err != nil {
			return nil, d.wrap(err)
		}
	}

	if err := b.SetSpeed(busSpeed); err != nil {
		return nil, d.wrap(err)
	}

	return d, nil
}

// Dev is a handle to an FDC2212/FDC2214.
type Dev struct {
	d    *i2c.Dev
	opts Opts
	name string
	pins Pins

	mu           sync.Mutex
	channel      Channel
	rCount       uint16
	settleCount  uint16
	refDivider   uint8
	finSel       uint8
	driveCurrent uint8
	stop         chan struct{}
	sensingErr   error
	wg           sync.WaitGroup
	haltMu       sync.Mutex
}

// Reading is one conversion result.
type Reading struct {
	Channel Channel
	// Raw is the conversion result with the status flags cleared. Only the
	// low 28 bits carry data.
	Raw uint32
	// WatchdogTimeout is set when the sensor did not oscillate.
	WatchdogTimeout bool
	// AmplitudeWarning is set when the oscillation amplitude was outside the
	// drive current's range.
	AmplitudeWarning bool
}

// Status is the decoded STATUS register. Reading it clears the error flags
// on the chip.
type Status struct {
	ErrorChannel    Channel
	WatchdogTimeout bool
	AmplitudeHigh   bool
	AmplitudeLow    bool
	DataReady       bool
	Unread          [2]bool
}

type regWrite struct {
	reg      Register
	msb, lsb uint8
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.name, d.d)
}

// Init soft resets the chip and programs the power-on configuration: 256
// cycle conversions, 10 cycle settling, reference divider 1, data ready on
// INTB, autoscan off and maximum drive current on both channels.
//
// CONFIG is written last. It takes the chip out of sleep mode, after which
// the other registers are write protected.
func (d *Dev) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errSensing)
	}

	time.Sleep(resetPulse)

	rcMsb, rcLsb := splitUint16(defaultRCount)
	scMsb, scLsb := splitUint16(defaultSettleCount)
	writes := []regWrite{
		{RegReset, resetCommand, 0x00},
		{RegRCountCh0, rcMsb, rcLsb},
		{RegRCountCh1, rcMsb, rcLsb},
		{RegSettleCountCh0, scMsb, scLsb},
		{RegSettleCountCh1, scMsb, scLsb},
		{RegClockDividersCh0, clockDividersInit, defaultRefDivider},
		{RegClockDividersCh1, clockDividersInit, defaultRefDivider},
		{RegErrorConfig, 0x00, errorConfigLow},
		{RegMuxConfig, muxConfigHigh, muxConfigLow},
		{RegDriveCurrentCh0, maxDriveCurrent << 3, 0x00},
		{RegDriveCurrentCh1, maxDriveCurrent << 3, 0x00},
		{RegConfig, configAwake + d.channel.configBit(), configLow},
	}
	for _, w := range writes {
		if err := d.writeRegister16(w.reg, w.msb, w.lsb); err != nil {
			return d.wrap(err)
		}
	}

	d.rCount = defaultRCount
	d.settleCount = defaultSettleCount
	d.refDivider = defaultRefDivider
	d.finSel = finSel(clockDividersInit)
	d.driveCurrent = maxDriveCurrent
	return nil
}

// ReadSensor returns the latest conversion of the active channel with the
// status flags cleared.
//
// The driver does not wait for the conversion to complete; pace calls with
// DataReady or MeasurementTime.
func (d *Dev) ReadSensor() (uint32, error) {
	var r Reading
	if err := d.Sense(&r); err != nil {
		return 0, err
	}
	return r.Raw, nil
}

// Sense reads the latest conversion of the active channel into r, keeping the
// status flags that ReadSensor drops.
func (d *Dev) Sense(r *Reading) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errSensing)
	}
	return d.sense(d.channel, r)
}

// SenseContinuous returns readings of the active channel on a continuous
// basis. The interval is raised to MeasurementTime if shorter.
//
// The application must call Halt() to stop the sensing when done to stop the
// goroutine and close the channel. Parameter changes are refused until then.
// If a read fails the channel is closed and Halt() returns the error.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan Reading, error) {
	d.haltMu.Lock()
	defer d.haltMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		if err := d.stopSensing(); err != nil {
			return nil, err
		}
	}

	if m := d.measurementTime(); interval < m {
		interval = m
	}

	sensing := make(chan Reading)
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer d.wg.Done()
		defer close(sensing)
		d.sensingContinuous(interval, sensing, stop)
	}(d.stop)
	return sensing, nil
}

// Halt stops the continuous sensing started by SenseContinuous(). It returns
// the error that ended the sensing early, if any.
func (d *Dev) Halt() error {
	d.haltMu.Lock()
	defer d.haltMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == nil {
		return nil
	}
	return d.stopSensing()
}

// stopSensing must be called with haltMu and mu held. mu is released while
// waiting for the goroutine; d.stop stays set until it has exited.
func (d *Dev) stopSensing() error {
	close(d.stop)
	d.mu.Unlock()
	d.wg.Wait()
	d.mu.Lock()
	d.stop = nil
	err := d.sensingErr
	d.sensingErr = nil
	return err
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- Reading, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		// Do one initial sensing right away.
		var r Reading
		d.mu.Lock()
		err := d.sense(d.channel, &r)
		if err != nil {
			d.sensingErr = err
		}
		d.mu.Unlock()
		if err != nil {
			return
		}
		select {
		case sensing <- r:
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

func (d *Dev) sense(ch Channel, r *Reading) error {
	reg := ch.dataReg()
	hi, err := d.readRegister16(reg)
	if err != nil {
		return d.wrap(err)
	}
	lo, err := d.readRegister16(reg + 1)
	if err != nil {
		return d.wrap(err)
	}

	raw := composeUint32(hi, lo)
	r.Channel = ch
	r.WatchdogTimeout = raw&dataWatchdogBit != 0
	r.AmplitudeWarning = raw&dataAmplitudeBit != 0
	r.Raw = raw &^ dataStatusMask
	return nil
}

// ReadRegister16 returns the value of reg, most significant byte first on the
// wire.
func (d *Dev) ReadRegister16(reg Register) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.readRegister16(reg)
	if err != nil {
		return 0, d.wrap(err)
	}
	return v, nil
}

// WriteRegister16 writes msb and lsb to reg as is. Registers other than
// CONFIG and RESET_DEV only accept writes while the chip is asleep.
func (d *Dev) WriteRegister16(reg Register, msb, lsb uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeRegister16(reg, msb, lsb); err != nil {
		return d.wrap(err)
	}
	return nil
}

// SetReferenceCount sets the conversion time of both channels to
// count*16 reference clock cycles. count must be at least 256.
func (d *Dev) SetReferenceCount(count uint16) error {
	if count < minRCount {
		return d.wrap(fmt.Errorf("reference count %d: %w", count, ErrOutOfRange))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errSensing)
	}

	msb, lsb := splitUint16(count)
	if err := d.programBoth(RegRCountCh0, RegRCountCh1, msb, lsb); err != nil {
		return d.wrap(err)
	}
	d.rCount = count
	return nil
}

// SetSettleCount sets the settling time of both channels to count*16
// reference clock cycles. count must be at least 2.
func (d *Dev) SetSettleCount(count uint16) error {
	if count < minSettleCount {
		return d.wrap(fmt.Errorf("settle count %d: %w", count, ErrOutOfRange))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errSensing)
	}

	msb, lsb := splitUint16(count)
	if err := d.programBoth(RegSettleCountCh0, RegSettleCountCh1, msb, lsb); err != nil {
		return d.wrap(err)
	}
	d.settleCount = count
	return nil
}

// SetReferenceDivider sets the reference clock divider of both channels.
// It also selects a sensor frequency divider of 2.
func (d *Dev) SetReferenceDivider(div uint8) error {
	if div < minRefDivider {
		return d.wrap(fmt.Errorf("reference divider %d: %w", div, ErrOutOfRange))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errSensing)
	}

	if err := d.programBoth(RegClockDividersCh0, RegClockDividersCh1, clockDividersSet, div); err != nil {
		return d.wrap(err)
	}
	d.refDivider = div
	d.finSel = finSel(clockDividersSet)
	return nil
}

// SetDriveCurrent sets the IDRIVE field of both channels, 0 to 31.
func (d *Dev) SetDriveCurrent(current uint8) error {
	if current > maxDriveCurrent {
		return d.wrap(fmt.Errorf("drive current %d: %w", current, ErrOutOfRange))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errSensing)
	}

	if err := d.programBoth(RegDriveCurrentCh0, RegDriveCurrentCh1, current<<3, 0x00); err != nil {
		return d.wrap(err)
	}
	d.driveCurrent = current
	return nil
}

// SetActiveChannel selects the channel converted by the chip and read by
// ReadSensor.
func (d *Dev) SetActiveChannel(ch Channel) error {
	if !ch.Valid() {
		return d.wrap(fmt.Errorf("%w: %s", ErrInvalidChannel, ch))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errSensing)
	}

	if err := d.writeRegister16(RegConfig, configAwake+ch.configBit(), configLow); err != nil {
		return d.wrap(err)
	}
	d.channel = ch
	return nil
}

// ActiveChannel returns the channel selected by the last SetActiveChannel.
func (d *Dev) ActiveChannel() Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel
}

// MeasurementTime is the time the chip needs for one settle plus conversion
// cycle with the parameters last programmed.
func (d *Dev) MeasurementTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.measurementTime()
}

func (d *Dev) measurementTime() time.Duration {
	cycles := 16*int64(d.settleCount) + 16*int64(d.rCount) + 4
	hz := int64(d.opts.ReferenceClock / physic.Hertz)
	return time.Duration(cycles * int64(d.refDivider) * int64(time.Second) / hz)
}

// Frequency converts a raw reading to the sensor oscillation frequency:
// fSENSOR = FIN_SEL * fREF * raw / 2^28.
func (d *Dev) Frequency(raw uint32) physic.Frequency {
	d.mu.Lock()
	defer d.mu.Unlock()
	fref := float64(d.opts.ReferenceClock) / float64(d.refDivider)
	return physic.Frequency(float64(d.finSel) * fref * float64(raw&^dataStatusMask) / (1 << 28))
}

// Status reads and decodes the STATUS register.
func (d *Dev) Status() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.readRegister16(RegStatus)
	if err != nil {
		return Status{}, d.wrap(err)
	}
	return Status{
		ErrorChannel:    Channel(v >> statusErrChanShift),
		WatchdogTimeout: v&statusErrWatchdog != 0,
		AmplitudeHigh:   v&statusErrAmpHigh != 0,
		AmplitudeLow:    v&statusErrAmpLow != 0,
		DataReady:       v&statusDataReady != 0,
		Unread:          [2]bool{v&statusUnreadCh0 != 0, v&statusUnreadCh1 != 0},
	}, nil
}

// DataReady samples INTB. It is only meaningful once Init has routed the
// data ready flag to the pin.
func (d *Dev) DataReady() (bool, error) {
	if d.pins.DataReady == nil {
		return false, d.wrap(errNoPin)
	}
	return d.pins.DataReady.Read() == gpio.Low, nil
}

// Identify reads the manufacturer and device ID registers and checks them
// against the values of a TI FDC2212/FDC2214.
func (d *Dev) Identify() (manufacturer, device uint16, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if manufacturer, err = d.readRegister16(RegManufacturerID); err != nil {
		return 0, 0, d.wrap(err)
	}
	if device, err = d.readRegister16(RegDeviceID); err != nil {
		return 0, 0, d.wrap(err)
	}
	if manufacturer != manufacturerTI || device != deviceFDC221x {
		return manufacturer, device, d.wrap(fmt.Errorf("%w: manufacturer %#04x, device %#04x", errUnknownID, manufacturer, device))
	}
	return manufacturer, device, nil
}

// programBoth writes the same value to the CH0 and CH1 registers of a
// parameter.
func (d *Dev) programBoth(ch0, ch1 Register, msb, lsb uint8) error {
	return d.program(regWrite{ch0, msb, lsb}, regWrite{ch1, msb, lsb})
}

// program puts the chip to sleep, applies writes and wakes it up again.
// Everything but CONFIG is write protected while the chip is awake.
//
// A failure leaves the chip asleep.
func (d *Dev) program(writes ...regWrite) error {
	bit := d.channel.configBit()
	if err := d.writeRegister16(RegConfig, configSleep+bit, configLow); err != nil {
		return err
	}
	for _, w := range writes {
		if err := d.writeRegister16(w.reg, w.msb, w.lsb); err != nil {
			return err
		}
	}
	return d.writeRegister16(RegConfig, configAwake+bit, configLow)
}

// readRegister16 sets the register pointer and reads it back in a separate
// transaction.
func (d *Dev) readRegister16(reg Register) (uint16, error) {
	if err := d.d.Tx([]byte{byte(reg)}, nil); err != nil {
		return 0, &TxError{Op: "read", Reg: reg, Err: err}
	}
	var b [2]byte
	if err := d.d.Tx(nil, b[:]); err != nil {
		return 0, &TxError{Op: "read", Reg: reg, Err: err}
	}
	return composeUint16(b[0], b[1]), nil
}

func (d *Dev) writeRegister16(reg Register, msb, lsb uint8) error {
	if err := d.d.Tx([]byte{byte(reg), msb, lsb}, nil); err != nil {
		return &TxError{Op: "write", Reg: reg, Err: err}
	}
	return nil
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
}

// finSel decodes CHx_FIN_SEL from the CLOCK_DIVIDERS high byte. 0b01 divides
// the sensor frequency by 1, 0b10 by 2.
func finSel(clockDividersHigh uint8) uint8 {
	return (clockDividersHigh >> 4) & 0x03
}

func composeUint16(msb, lsb uint8) uint16 {
	return uint16(msb)<<8 | uint16(lsb)
}

func splitUint16(v uint16) (msb, lsb uint8) {
	return uint8(v >> 8), uint8(v)
}

func composeUint32(hi, lo uint16) uint32 {
	return uint32(hi)<<16 | uint32(lo)
}

var _ conn.Resource = &Dev{}
