// Package midiin adapts MIDI note input to pad-style slice triggers.
package midiin

import (
	"errors"
	"fmt"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

type (
	// Context owns the rtmidi driver and at most one open input device.
	Context struct {
		driver             *rtmididrv.Driver
		currentIn          drivers.In
		inputDevices       []Device
		devicesInitialized bool
	}

	// Device is one listed MIDI input.
	Device struct {
		context *Context
		in      drivers.In
	}

	// PadMap lays consecutive note numbers out over the sources' slices:
	// Base maps to slice 0 of the first bank, the notes after it walk
	// through that bank's slices and on into the next bank.
	PadMap struct {
		Base  uint8
		Banks []PadBank
	}

	PadBank struct {
		Source string
		Slices int
	}

	// TriggerFunc receives resolved pad hits; velocity is scaled to 0..1.
	TriggerFunc func(source string, slice int, velocity float64)
)

// Resolve maps a note number to a source and slice index.
func (m PadMap) Resolve(note uint8) (source string, slice int, ok bool) {
	if note < m.Base {
		return "", 0, false
	}
	offset := int(note - m.Base)
	for _, bank := range m.Banks {
		if offset < bank.Slices {
			return bank.Source, offset, true
		}
		offset -= bank.Slices
	}
	return "", 0, false
}

// NewContext opens the rtmidi driver. A nil driver is not an error; the
// context then simply lists no devices.
func NewContext() *Context {
	c := &Context{}
	c.driver, _ = rtmididrv.New()
	return c
}

// InputDevices iterates over the available MIDI inputs. The device list is
// cached after the first full iteration.
func (c *Context) InputDevices(yield func(Device) bool) {
	if c.devicesInitialized {
		for _, device := range c.inputDevices {
			if !yield(device) {
				return
			}
		}
		return
	}
	if c.driver == nil {
		return
	}
	ins, err := c.driver.Ins()
	if err != nil {
		return
	}
	for _, in := range ins {
		device := Device{context: c, in: in}
		c.inputDevices = append(c.inputDevices, device)
		if !yield(device) {
			return
		}
	}
	c.devicesInitialized = true
}

func (d Device) String() string { return d.in.String() }

// Open starts listening on the device, closing any previously open input.
// NoteOn events resolve through the pad map and invoke fire; everything
// else, including NoteOff, is ignored since slices are one-shots.
func (d Device) Open(pads PadMap, fire TriggerFunc) error {
	if d.context.driver == nil {
		return errors.New("no MIDI driver available")
	}
	if d.context.currentIn == d.in {
		return nil
	}
	if d.context.HasDeviceOpen() {
		d.context.currentIn.Close()
	}
	d.context.currentIn = d.in
	if err := d.in.Open(); err != nil {
		d.context.currentIn = nil
		return fmt.Errorf("opening MIDI input failed: %w", err)
	}
	_, err := midi.ListenTo(d.in, func(msg midi.Message, timestampms int32) {
		var channel, key, velocity uint8
		if !msg.GetNoteOn(&channel, &key, &velocity) || velocity == 0 {
			return
		}
		if source, slice, ok := pads.Resolve(key); ok {
			fire(source, slice, float64(velocity)/127)
		}
	})
	if err != nil {
		d.in.Close()
		d.context.currentIn = nil
		return fmt.Errorf("listening to MIDI input failed: %w", err)
	}
	return nil
}

// TryToOpenBy opens the first device whose name starts with namePrefix, or
// just the first device when takeFirst is set.
func (c *Context) TryToOpenBy(namePrefix string, takeFirst bool, pads PadMap, fire TriggerFunc) error {
	if namePrefix == "" && !takeFirst {
		return nil
	}
	var opened error
	found := false
	c.InputDevices(func(device Device) bool {
		if takeFirst || strings.HasPrefix(device.String(), namePrefix) {
			found = true
			opened = device.Open(pads, fire)
			return false
		}
		return true
	})
	if !found {
		return fmt.Errorf("no MIDI input matching %q", namePrefix)
	}
	return opened
}

func (c *Context) HasDeviceOpen() bool {
	return c.currentIn != nil && c.currentIn.IsOpen()
}

func (c *Context) Close() {
	if c.driver == nil {
		return
	}
	if c.currentIn != nil && c.currentIn.IsOpen() {
		c.currentIn.Close()
	}
	c.driver.Close()
}
