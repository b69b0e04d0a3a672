package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/config"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/pipeline"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "invoicectl",
		Short:         "Operator tool for the InvoiceFox pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Duration("timeout", 5*time.Minute, "Overall timeout of the command")

	root.AddCommand(showCmd())
	root.AddCommand(parkedCmd())
	root.AddCommand(retryCmd())
	root.AddCommand(sequenceCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(pollCmd())
	root.AddCommand(statsCmd())
	return root
}

// withRuntime wires the pipeline without starting workers; jobs enqueued here are
// processed by the running server.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rt, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [payment-id]",
		Short: "Show a payment by id or by provider key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, _ := cmd.Flags().GetString("provider")
			providerID, _ := cmd.Flags().GetString("provider-id")
			if len(args) == 0 && (provider == "" || providerID == "") {
				return fmt.Errorf("either a payment id or --provider and --provider-id are required")
			}
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				var p *models.Payment
				var err error
				if len(args) == 1 {
					id, perr := parseID(args[0])
					if perr != nil {
						return perr
					}
					p, err = rt.Service.Payment(ctx, id)
				} else {
					p, err = rt.Service.PaymentByProviderID(ctx, provider, providerID)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().StringP("provider", "p", "", "Provider name (mercadopago, payway)")
	cmd.Flags().String("provider-id", "", "Payment id at the provider")
	return cmd
}

func parkedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parked",
		Short: "List payments waiting for an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				parked, err := rt.Service.ListParked(ctx, limit)
				if err != nil {
					return err
				}
				printParked(cmd.OutOrStdout(), parked)
				return nil
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "Maximum results")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [payment-id]",
		Short: "Release a fiscally rejected payment for a new authorization attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				if err := rt.Service.RetryRejected(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "payment %d released for retry\n", id)
				return nil
			})
		},
	}
}

func sequenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequence",
		Short: "Show the invoice sequence, or resync it from the fiscal authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			resync, _ := cmd.Flags().GetBool("resync")
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				opts := rt.Service.Options()
				if resync {
					last, err := rt.Service.ResyncSequence(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%05d/%03d resynced: last number %d\n", opts.SalesPoint, opts.DocType, last)
					return nil
				}
				last, found, err := rt.Service.CurrentSequence(ctx)
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintf(cmd.OutOrStdout(), "%05d/%03d not initialized\n", opts.SalesPoint, opts.DocType)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%05d/%03d last number %d\n", opts.SalesPoint, opts.DocType, last)
				return nil
			})
		},
	}
	cmd.Flags().Bool("resync", false, "Overwrite the local counter with the authority's last number")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [provider]",
		Short: "Ingest approved payments of the reconciliation window that were never seen",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				if len(args) == 1 {
					n, err := rt.Service.Reconcile(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d recovered\n", args[0], n)
					return nil
				}
				return printReconcileResults(cmd.OutOrStdout(), rt.Service.ReconcileAll(ctx))
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Re-enqueue pending and stalled payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				n, err := rt.Service.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d payments re-offered\n", n)
				return nil
			})
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll [provider]",
		Short: "Run one polling cycle for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				prov, ok := rt.Service.Provider(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", pipeline.ErrUnknownProvider, args[0])
				}
				n, err := pipeline.NewPoller(rt.Service, prov, 0).PollOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d ingested\n", args[0], n)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue backlog and daily pipeline outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				queue, err := rt.Queue.GetStats(ctx)
				if err != nil {
					return err
				}
				outcomes, err := rt.Counter.Range(ctx, time.Now(), days)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"queue":    queue,
					"outcomes": outcomes,
				})
			})
		},
	}
	cmd.Flags().IntP("days", "d", 7, "Number of days")
	return cmd
}

func parseID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid payment id %q", s)
	}
	return uint(n), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printParked(w io.Writer, parked []models.Payment) {
	if len(parked) == 0 {
		fmt.Fprintln(w, "no parked payments")
		return
	}
	for _, p := range parked {
		fmt.Fprintf(w, "%-8d %-12s %-20s %s\n", p.ID, p.Provider, p.ProviderPaymentID, p.Error)
	}
}

func printReconcileResults(w io.Writer, results map[string]error) error {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		if err := results[name]; err != nil {
			fmt.Fprintf(w, "%-12s FAILED (%v)\n", name, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "%-12s ok\n", name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d providers failed to reconcile", failed, len(names))
	}
	return nil
}
