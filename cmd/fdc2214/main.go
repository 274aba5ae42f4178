package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/mikesmitty/fdc2214"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

func main() {
	bus := flag.String("bus", "", "Name of the I2C bus")
	clkenName := flag.String("clken", "", "Clock enable pin (empty if hard-wired)")
	intbName := flag.String("intb", "", "INTB data ready pin (empty if not connected)")
	shdnName := flag.String("shdn", "", "Shutdown pin (empty if hard-wired)")
	channel := flag.Uint("channel", 0, "Active channel (0 or 1)")
	interval := flag.Duration("interval", 100*time.Millisecond, "Time between readings")
	rCount := flag.Uint("rcount", 0, "Reference count, 256-65535 (0 keeps the default)")
	settle := flag.Uint("settle", 0, "Settle count, 2-65535 (0 keeps the default)")
	refDiv := flag.Uint("refdiv", 0, "Reference clock divider, 1-255 (0 keeps the default)")
	drive := flag.Int("drive", -1, "Drive current, 0-31 (-1 keeps the default)")
	flag.Parse()

	if err := checkFlags(*channel, *rCount, *settle, *refDiv, *drive); err != nil {
		log.Fatal(err)
	}

	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}

	b, err := i2creg.Open(*bus)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()

	pins := fdc2214.Pins{
		ClockEnable: outPin(*clkenName),
		Shutdown:    outPin(*shdnName),
	}
	if *intbName != "" {
		pins.DataReady = lookupPin(*intbName)
	}

	dev, err := fdc2214.New(b, pins, nil)
	if err != nil {
		log.Fatal(err)
	}
	if err := dev.Init(); err != nil {
		log.Fatal(err)
	}
	if mfg, id, err := dev.Identify(); err != nil {
		log.Printf("warning: %v", err)
	} else {
		log.Printf("Found manufacturer %#04x device %#04x", mfg, id)
	}

	if *rCount != 0 {
		if err := dev.SetReferenceCount(uint16(*rCount)); err != nil {
			log.Fatal(err)
		}
	}
	if *settle != 0 {
		if err := dev.SetSettleCount(uint16(*settle)); err != nil {
			log.Fatal(err)
		}
	}
	if *refDiv != 0 {
		if err := dev.SetReferenceDivider(uint8(*refDiv)); err != nil {
			log.Fatal(err)
		}
	}
	if *drive >= 0 {
		if err := dev.SetDriveCurrent(uint8(*drive)); err != nil {
			log.Fatal(err)
		}
	}
	if err := dev.SetActiveChannel(fdc2214.Channel(*channel)); err != nil {
		log.Fatal(err)
	}
	log.Printf("Measurement time: %s", dev.MeasurementTime())

	readings, err := dev.SenseContinuous(*interval)
	if err != nil {
		log.Fatal(err)
	}
	for r := range readings {
		switch {
		case r.WatchdogTimeout:
			log.Printf("%s: %d (watchdog timeout)", r.Channel, r.Raw)
		case r.AmplitudeWarning:
			log.Printf("%s: %d %s (amplitude warning)", r.Channel, r.Raw, dev.Frequency(r.Raw))
		default:
			log.Printf("%s: %d %s", r.Channel, r.Raw, dev.Frequency(r.Raw))
		}
	}
	if err := dev.Halt(); err != nil {
		log.Fatal(err)
	}
}

// checkFlags rejects values that do not fit the registers they are written
// to. The driver checks the lower bounds.
func checkFlags(channel, rCount, settle, refDiv uint, drive int) error {
	switch {
	case channel > 1:
		return fmt.Errorf("-channel %d: must be 0 or 1", channel)
	case rCount > math.MaxUint16:
		return fmt.Errorf("-rcount %d: must be at most %d", rCount, math.MaxUint16)
	case settle > math.MaxUint16:
		return fmt.Errorf("-settle %d: must be at most %d", settle, math.MaxUint16)
	case refDiv > math.MaxUint8:
		return fmt.Errorf("-refdiv %d: must be at most %d", refDiv, math.MaxUint8)
	case drive < -1 || drive > 31:
		return fmt.Errorf("-drive %d: must be between 0 and 31", drive)
	}
	return nil
}

func lookupPin(name string) gpio.PinIO {
	p := gpioreg.ByName(name)
	if p == nil {
		log.Fatalf("Invalid pin %q", name)
	}
	return p
}

func outPin(name string) gpio.PinOut {
	if name == "" {
		return nil
	}
	return lookupPin(name)
}
