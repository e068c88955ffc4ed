package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/registry"
	"github.com/shohag/hookline/internal/storage"
)

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// withApp runs fn against a wired app whose logs go to stderr, keeping stdout
// for command output.
func withApp(configPath *string, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(*configPath, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func endpointCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage webhook endpoints",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new endpoint",
		RunE: withApp(configPath, func(cmd *cobra.Command, a *app, args []string) error {
			f := cmd.Flags()
			in := registry.CreateInput{}
			in.TenantID, _ = f.GetString("tenant")
			in.URL, _ = f.GetString("url")
			in.Events, _ = f.GetStringSlice("events")
			in.Name, _ = f.GetString("name")
			in.Description, _ = f.GetString("description")
			in.Headers, _ = f.GetStringToString("header")
			in.RateLimit, _ = f.GetInt("rate-limit")
			in.CreatedBy, _ = f.GetString("created-by")
			if f.Changed("max-retries") {
				n, _ := f.GetInt("max-retries")
				in.RetryPolicy = &models.RetryPolicyPatch{MaxRetries: &n}
			}

			ep, err := a.registry.Create(cmd.Context(), in)
			if err != nil {
				return fmt.Errorf("failed to create endpoint: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), ep)
		}),
	}
	createCmd.Flags().String("tenant", "", "owning tenant ID")
	createCmd.Flags().String("url", "", "destination URL")
	createCmd.Flags().StringSlice("events", nil, "subscribed event names")
	createCmd.Flags().String("name", "", "display name")
	createCmd.Flags().String("description", "", "description")
	createCmd.Flags().StringToString("header", nil, "custom header, key=value")
	createCmd.Flags().Int("rate-limit", 0, "max deliveries per second, 0 for unlimited")
	createCmd.Flags().Int("max-retries", 0, "override the default max retries")
	createCmd.Flags().String("created-by", "cli", "creator recorded on the endpoint")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List endpoints, newest first",
		RunE: withApp(configPath, func(cmd *cobra.Command, a *app, args []string) error {
			f := cmd.Flags()
			var filter storage.EndpointFilter
			filter.TenantID, _ = f.GetString("tenant")
			status, _ := f.GetString("status")
			filter.Status = models.EndpointStatus(status)
			filter.Event, _ = f.GetString("event")

			eps, err := a.registry.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to list endpoints: %w", err)
			}
			if len(eps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No endpoints found.")
				return nil
			}
			for _, ep := range eps {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s  %-8s  %s  %v  (failures %d)\n",
					ep.ID, ep.Status, ep.URL, ep.Events, ep.ConsecutiveFailures)
			}
			return nil
		}),
	}
	listCmd.Flags().String("tenant", "", "filter by tenant")
	listCmd.Flags().String("status", "", "filter by status")
	listCmd.Flags().String("event", "", "filter by subscribed event")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(configPath, func(cmd *cobra.Command, a *app, args []string) error {
			ep, err := a.registry.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ep.Redacted())
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an endpoint; its delivery history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(configPath, func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.registry.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		}),
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate-secret <id>",
		Short: "Replace the signing secret; the old one stops working immediately",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(configPath, func(cmd *cobra.Command, a *app, args []string) error {
			ep, err := a.registry.RotateSecret(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"id": ep.ID, "secret": ep.Secret})
		}),
	}

	transitions := []struct {
		use, short string
		fn         func(*registry.Registry, context.Context, string) (*models.Endpoint, error)
	}{
		{"pause", "Pause deliveries to an endpoint", (*registry.Registry).Pause},
		{"resume", "Resume a paused endpoint", (*registry.Registry).Resume},
		{"disable", "Disable an endpoint", (*registry.Registry).Disable},
		{"reactivate", "Return a FAILED endpoint to ACTIVE", (*registry.Registry).Reactivate},
	}

	cmd.AddCommand(createCmd, listCmd, getCmd, deleteCmd, rotateCmd)
	for _, tr := range transitions {
		cmd.AddCommand(&cobra.Command{
			Use:   tr.use + " <id>",
			Short: tr.short,
			Args:  cobra.ExactArgs(1),
			RunE: withApp(configPath, func(cmd *cobra.Command, a *app, args []string) error {
				ep, err := tr.fn(a.registry, cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", ep.ID, ep.Status)
				return nil
			}),
		})
	}
	return cmd
}

func deliveryCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delivery",
		Short: "Inspect and replay deliveries",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List deliveries, newest first",
		RunE: withApp(configPath, func(cmd *cobra.Command, a *app, args []string) error {
			f := cmd.Flags()
			var filter storage.DeliveryFilter
			filter.EndpointID, _ = f.GetString("endpoint")
			filter.TenantID, _ = f.GetString("tenant")
			status, _ := f.GetString("status")
			filter.Status = models.DeliveryStatus(status)
			filter.Event, _ = f.GetString("event")
			filter.Limit, _ = f.GetInt("limit")

			ds, err := a.engine.ListDeliveries(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to list deliveries: %w", err)
			}
			if len(ds) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No deliveries found.")
				return nil
			}
			for _, d := range ds {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s  %-9s  %s  %s  attempts=%d\n",
					d.ID, d.Status, d.EndpointID, d.Event, len(d.Attempts))
			}
			return nil
		}),
	}
	listCmd.Flags().String("endpoint", "", "filter by endpoint ID")
	listCmd.Flags().String("tenant", "", "filter by tenant")
	listCmd.Flags().String("status", "", "filter by status")
	listCmd.Flags().String("event", "", "filter by event name")
	listCmd.Flags().Int("limit", storage.DefaultListLimit, "maximum number of deliveries")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a delivery with its attempts",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(configPath, func(cmd *cobra.Command, a *app, args []string) error {
			d, err := a.engine.GetDelivery(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		}),
	}

	retryCmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Replay a FAILED delivery once",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(configPath, func(cmd *cobra.Command, a *app, args []string) error {
			d, err := a.engine.RetryDelivery(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		}),
	}

	cmd.AddCommand(listCmd, getCmd, retryCmd)
	return cmd
}
