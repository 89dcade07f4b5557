package trace

import (
	"bufio"
	"fmt"
	"os"

	"github.com/vortexlab/tetracer/config"
	"github.com/vortexlab/tetracer/device"
)

// WriteFinalPositions reads every particle's last recorded position back
// from the device and writes one line per active seed, in lattice order:
//
//	<x> <y> <z>: <px> <py> <pz>
//
// Terminated particles report the position they held when they left the
// mesh.
func WriteFinalPositions(path string, seeds *config.SeedsConfig, dev *device.Device, store *ParticleStore) error {
	positions, err := dev.ReadReals(store.LastPositions, 0, store.NumParticles*3)
	if err != nil {
		return fmt.Errorf("reading final positions: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	for i := 0; i < store.NumParticles; i++ {
		x, y, z := seeds.GridCoords(int(store.GridPointIDs[i]))
		fmt.Fprintf(w, "%d %d %d: %f %f %f\n", x, y, z,
			positions[i*3], positions[i*3+1], positions[i*3+2])
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
