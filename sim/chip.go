package sim

import (
	"context"
	"sync"

	"github.com/Hi-LinkDuino/RM56-sub005/shm"
)

// Config sizes the simulated chip.
type Config struct {
	// SRAMSize is the shared memory size in bytes.
	SRAMSize uint32
	// CoherentSize is the size of the coherent sub-region at the bottom of SRAM.
	CoherentSize uint32
}

// DefaultConfig returns a 256 KiB SRAM with a 4 KiB coherent region.
func DefaultConfig() Config {
	return Config{
		SRAMSize:     256 * 1024,
		CoherentSize: 4 * 1024,
	}
}

// Chip wires two cores to one SRAM.
type Chip struct {
	SRAM *shm.SRAM
	Host *Core
	Aux  *Core
	// HostView and AuxView are the two cache domains.
	HostView *shm.View
	AuxView  *shm.View
	// Power switches the aux core.
	Power *Power

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChip builds the chip and starts both ISR contexts. Call Close to stop them.
func NewChip(cfg Config) (*Chip, error) {
	sram, err := shm.NewSRAM(cfg.SRAMSize, cfg.CoherentSize)
	if err != nil {
		return nil, err
	}

	host := newCore("host")
	aux := newCore("aux")
	host.peer = aux
	aux.peer = host

	ctx, cancel := context.WithCancel(context.Background())
	c := &Chip{
		SRAM:     sram,
		Host:     host,
		Aux:      aux,
		HostView: sram.NewView("host"),
		AuxView:  sram.NewView("aux"),
		Power:    newPower(aux),
		cancel:   cancel,
	}

	for _, core := range []*Core{host, aux} {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			core.serve(ctx)
		}()
	}
	return c, nil
}

// Close powers the aux core off and stops both ISR contexts.
func (c *Chip) Close() error {
	err := c.Power.PowerOff()
	c.cancel()
	c.wg.Wait()
	return err
}
