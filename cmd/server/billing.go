package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/drawdown-engine/generic"
)

func init() {
	rootCmd.AddCommand(billingCmd)
	billingCmd.AddCommand(billingRunCmd)
	billingRunCmd.Flags().String("automation", "", "Run only this automation (ignores its schedule)")
}

var billingCmd = &cobra.Command{
	Use:   "billing",
	Short: "Billing automation commands",
}

var billingRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run due billing automations once",
	Long: `Runs every enabled automation whose next run date has arrived, then exits.
Use this from an external scheduler instead of the in-process cron. Each
automation runs at most once per day however often this is invoked.`,
	RunE: runBilling,
}

func runBilling(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	id, _ := cmd.Flags().GetString("automation")
	if id != "" {
		run, err := a.billing.Run(cmd.Context(), generic.AutomationID(id), generic.TriggerManual)
		if run != nil {
			fmt.Fprintf(out, "%s %s: %d succeeded, %d failed, %s posted\n",
				run.AutomationID, run.Status, run.Succeeded, run.Failed, run.TotalPosted)
		}
		return err
	}

	runs, err := a.billing.RunDue(cmd.Context(), generic.TriggerScheduled)
	if err != nil {
		return err
	}
	for _, run := range runs {
		fmt.Fprintf(out, "%s %s: %d succeeded, %d failed, %s posted\n",
			run.AutomationID, run.Status, run.Succeeded, run.Failed, run.TotalPosted)
	}
	fmt.Fprintf(out, "%d automation(s) run\n", len(runs))
	return nil
}
