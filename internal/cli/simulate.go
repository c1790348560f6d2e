package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"pricewatcher/internal/app"
)

var (
	simulateSource    string
	simulateRecovered bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-outage",
	Short: "模拟一次数据源熔断并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSource == "" {
			return errors.New("--source 必须提供")
		}

		return getApp().SimulateOutage(cmd.Context(), app.SimulateOptions{
			Source:    simulateSource,
			Recovered: simulateRecovered,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSource, "source", "", "数据源名称，例如 jupiter")
	simulateCmd.Flags().BoolVar(&simulateRecovered, "recovered", false, "模拟恢复而不是熔断")
}
