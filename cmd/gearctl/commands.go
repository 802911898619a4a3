package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskmux/gearman"
)

var (
	configPath string
	servers    []string
)

// resolve merges the config file and the --server flags; flags win.
func resolve() (*cliConfig, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if len(servers) > 0 {
		cfg.Servers = servers
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1:4730"}
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gearctl",
		Short:         "submit and inspect Gearman jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringSliceVarP(&servers, "server", "s", nil, "job server address (repeatable)")

	root.AddCommand(newSubmitCmd(), newBackgroundCmd(), newStatusCmd(), newAdminCmd())
	return root
}

// readArg takes the job payload from the argument list or, with "-", from
// stdin.
func readArg(args []string) ([]byte, error) {
	if len(args) < 2 || args[1] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return []byte(args[1]), nil
}

func newSubmitCmd() *cobra.Command {
	var unique string
	cmd := &cobra.Command{
		Use:   "submit <function> [payload|-]",
		Short: "submit a job and wait for its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolve()
			if err != nil {
				return err
			}
			client, err := cfg.client()
			if err != nil {
				return err
			}
			defer client.Close()

			payload, err := readArg(args)
			if err != nil {
				return err
			}
			result, err := client.Do(args[0], payload, gearman.JobOptions{
				Unique:  unique,
				Timeout: cfg.Timeout,
			})
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(result)
			return err
		},
	}
	cmd.Flags().StringVarP(&unique, "unique", "u", "", "uniqueness key for job coalescing")
	return cmd
}

func newBackgroundCmd() *cobra.Command {
	var unique string
	cmd := &cobra.Command{
		Use:   "background <function> [payload|-]",
		Short: "submit a fire-and-forget job, print its handle",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolve()
			if err != nil {
				return err
			}
			client, err := cfg.client()
			if err != nil {
				return err
			}
			defer client.Close()

			payload, err := readArg(args)
			if err != nil {
				return err
			}
			handle, err := client.DoBackground(args[0], payload, gearman.JobOptions{Unique: unique})
			if err != nil {
				return err
			}
			fmt.Println(handle)
			return nil
		},
	}
	cmd.Flags().StringVarP(&unique, "unique", "u", "", "uniqueness key for job coalescing")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <handle>",
		Short: "poll a handle previously printed by background",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolve()
			if err != nil {
				return err
			}
			client, err := cfg.client()
			if err != nil {
				return err
			}
			defer client.Close()

			handle, err := gearman.ParseHandle(args[0])
			if err != nil {
				return err
			}
			st, err := client.Status(handle)
			if err != nil {
				return err
			}
			fmt.Printf("known=%t running=%t progress=%d/%d\n",
				st.Known, st.Running, st.Numerator, st.Denominator)
			return nil
		},
	}
}

func newAdminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "text admin commands against one server",
	}

	admin.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "per-function queue depth",
		RunE: adminRunE(func(a *gearman.Admin) error {
			rows, err := a.Status()
			if err != nil {
				return err
			}
			for _, r := range rows {
				fmt.Printf("%s\tqueued=%d\trunning=%d\tworkers=%d\n",
					r.Function, r.Queued, r.Running, r.Workers)
			}
			return nil
		}),
	})
	admin.AddCommand(&cobra.Command{
		Use:   "workers",
		Short: "connected workers and their functions",
		RunE: adminRunE(func(a *gearman.Admin) error {
			rows, err := a.Workers()
			if err != nil {
				return err
			}
			for _, w := range rows {
				fmt.Printf("%d\t%s\t%s\t%s\n", w.FD, w.Addr, w.ClientID,
					strings.Join(w.Functions, " "))
			}
			return nil
		}),
	})
	admin.AddCommand(&cobra.Command{
		Use:   "jobs",
		Short: "raw jobs listing",
		RunE: adminRunE(func(a *gearman.Admin) error {
			return printRaw(a.Jobs())
		}),
	})
	admin.AddCommand(&cobra.Command{
		Use:   "clients",
		Short: "raw clients listing",
		RunE: adminRunE(func(a *gearman.Admin) error {
			return printRaw(a.Clients())
		}),
	})
	return admin
}

func adminRunE(run func(a *gearman.Admin) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := resolve()
		if err != nil {
			return err
		}
		client, err := cfg.client()
		if err != nil {
			return err
		}
		defer client.Close()

		admin, err := client.Admin(cfg.Servers[0])
		if err != nil {
			return err
		}
		return run(admin)
	}
}

func printRaw(lines []string, err error) error {
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
