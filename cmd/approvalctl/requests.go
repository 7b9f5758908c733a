package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func newRequestsCmd() *cobra.Command {
	var addr, token string

	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect approval requests through the gRPC API",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "localhost:9090", "Approvals gRPC address")
	cmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token (see 'approvalctl token issue')")

	dial := func() (*client.ApprovalsGRPCClient, error) {
		return client.NewApprovalsGRPCClient(addr, token)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stuck",
		Short: "List pending requests that have no resolvable approver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			requests, err := c.ListStuckRequests(cmd.Context())
			if err != nil {
				return err
			}
			return printRequests(cmd, requests)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "overdue",
		Short: "List pending requests past their SLA deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			requests, err := c.ListOverdueRequests(cmd.Context())
			if err != nil {
				return err
			}
			return printRequests(cmd, requests)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a request and its action trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			detail, err := c.GetRequest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := lo.Map(detail.Actions, func(a *repository.ApprovalAction, _ int) []string {
				return []string{
					a.CreatedAt.Format(time.RFC3339),
					string(a.ActionType),
					strconv.Itoa(a.Level),
					a.ActorID,
					lo.FromPtr(a.NextApproverID),
					lo.FromPtr(a.Comment),
				}
			})
			return printOutput(cmd.OutOrStdout(), detail, []string{"at", "action", "level", "actor", "next approver", "comment"}, rows)
		},
	})

	return cmd
}

func printRequests(cmd *cobra.Command, requests []*repository.ApprovalRequest) error {
	rows := lo.Map(requests, func(r *repository.ApprovalRequest, _ int) []string {
		deadline := ""
		if r.SLADeadline != nil {
			deadline = r.SLADeadline.Format(time.RFC3339)
		}
		return []string{
			r.RequestNumber,
			r.ID,
			r.RequesterID,
			fmt.Sprintf("%d/%d", r.CurrentLevel, r.TotalLevels),
			lo.FromPtr(r.CurrentApproverID),
			deadline,
		}
	})
	return printOutput(cmd.OutOrStdout(), requests, []string{"number", "id", "requester", "level", "approver", "sla deadline"}, rows)
}
