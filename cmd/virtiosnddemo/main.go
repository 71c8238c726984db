// Command virtiosnddemo wires a sound.Device over an mmap'd guest RAM
// window, with either the null sink or a real portaudio output depending on
// --real-audio, drives the status handshake through DRIVER_OK, reads back
// MagicValue and DeviceID, and exits. It does not program queues or issue
// CTRL requests.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/gokvm-virtio/virtiosnd/audiosink"
	"github.com/gokvm-virtio/virtiosnd/mmio"
	"github.com/gokvm-virtio/virtiosnd/ram"
	"github.com/gokvm-virtio/virtiosnd/sound"
)

func main() {
	ramSize := pflag.Int("ram-size", 16<<20, "size in bytes of the emulated guest RAM window")
	realAudio := pflag.Bool("real-audio", false, "open a real portaudio output stream instead of the null sink")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	pflag.Parse()

	logger := log.New(os.Stderr)
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if err := run(*ramSize, *realAudio, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(ramSize int, realAudio bool, logger *log.Logger) error {
	w, err := ram.NewMmap(ramSize)
	if err != nil {
		return fmt.Errorf("virtiosnddemo: allocate guest ram: %w", err)
	}
	defer w.Close()

	newSink := func() audiosink.Sink { return audiosink.NewNullSink() }
	if realAudio {
		newSink = func() audiosink.Sink { return audiosink.NewPortAudioSink(logger) }
	}

	dev := sound.NewDevice(w, newSink, logger)
	defer dev.Close()

	reg := dev.Registers()
	if err := negotiate(reg); err != nil {
		return fmt.Errorf("virtiosnddemo: feature negotiation: %w", err)
	}

	magic, err := reg.AccessLoad(mmio.RegMagicValue, 4)
	if err != nil {
		return err
	}
	devID, err := reg.AccessLoad(mmio.RegDeviceID, 4)
	if err != nil {
		return err
	}
	logger.Info("device ready", "magic", fmt.Sprintf("%#x", magic), "device_id", devID)

	return nil
}

// negotiate drives the register file through the handshake every virtio
// driver performs before touching queues: ACKNOWLEDGE, DRIVER, FEATURES_OK,
// then DRIVER_OK. This device offers no feature bits, so the driver side
// accepts the empty set unconditionally.
func negotiate(reg *mmio.Registers) error {
	steps := []uint32{
		mmio.StatusAcknowledge,
		mmio.StatusAcknowledge | mmio.StatusDriver,
		mmio.StatusAcknowledge | mmio.StatusDriver | mmio.StatusFeaturesOK,
		mmio.StatusAcknowledge | mmio.StatusDriver | mmio.StatusFeaturesOK | mmio.StatusDriverOK,
	}
	for _, status := range steps {
		if err := reg.AccessStore(mmio.RegStatus, 4, status); err != nil {
			return err
		}
	}
	return nil
}
