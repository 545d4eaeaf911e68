package cortex

import (
	"context"
	"fmt"
)

// startExport launches a bounded memory export unless one is still
// running. Failures are counted and retried on the next export tick.
func (c *Cortex) startExport(ctx context.Context) {
	if c.exporter == nil {
		return
	}
	if !c.exporting.CompareAndSwap(false, true) {
		c.logger.Warn("previous memory export still running, skipping")
		return
	}

	dir, timeout := c.settings.ExportDir, c.settings.ExportTimeout
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.exporting.Store(false)

		start := c.clock.Now()
		ectx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := c.export(ectx, dir); err != nil {
			c.exportFailures.Add(1)
			c.logger.Error("memory export failed", "dir", dir, "error", err)
			return
		}
		c.lastExport.Store(start.UnixNano())
		c.logger.Info("memory exported", "dir", dir, "took", c.clock.Now().Sub(start))
	}()
}

func (c *Cortex) export(ctx context.Context, dir string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("export panicked: %v", r)
		}
	}()
	return c.exporter.ExportCanonical(ctx, dir)
}
