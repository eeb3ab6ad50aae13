package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/schedule"
)

// HealthCmd runs the health probe once against the configured storage
var HealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check scheduler health",
	Long: `Report healthy, degraded (stale claims or overdue jobs) or unhealthy
(storage unreachable). Exits non-zero unless healthy, or degraded with
--allow-degraded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		allowDegraded, _ := cmd.Flags().GetBool("allow-degraded")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pulseCfg := schedule.FromAM(cfg.Pulse)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, closeStore, err := openStorage(ctx, cfg, logger.Logger)
		if err != nil {
			return err
		}
		defer closeStore()

		report := schedule.NewHealthProbe(store, pulseCfg.StaleJobThreshold).Check(ctx)
		switch report.Status {
		case schedule.HealthHealthy:
			pterm.Success.Printfln("healthy (%v)", report.Latency.Round(time.Microsecond))
			return nil
		case schedule.HealthDegraded:
			pterm.Warning.Printfln("degraded: %d stale job(s) beyond %v", report.StaleJobs, pulseCfg.StaleJobThreshold)
			if allowDegraded {
				return nil
			}
			return fmt.Errorf("scheduler degraded")
		default:
			pterm.Error.Printfln("unhealthy: %s", report.Error)
			return report.Err()
		}
	},
}

func init() {
	HealthCmd.Flags().Bool("allow-degraded", false, "Exit zero when degraded")
}
