package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ejunz/internal/store"
)

func (c *cli) agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage chat agents",
		Long:  `Create, list, and delete the agents that answer client voice chats.`,
	}

	var a store.Agent
	put := &cobra.Command{
		Use:   "put",
		Short: "Create or replace an agent",
		Example: `  ejunz agent put --id concierge --name Concierge --domain lobby \
    --prompt "You greet visitors." --tools print,lights_on`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				if err := st.PutAgent(ctx, a); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Agent %s saved\n", a.ID)
				return nil
			})
		},
	}
	put.Flags().StringVar(&a.ID, "id", "", "Agent id (required)")
	put.Flags().StringVar(&a.Name, "name", "", "Display name")
	put.Flags().StringVar(&a.Domain, "domain", store.DefaultDomain, "Owning domain")
	put.Flags().StringVar(&a.Model, "model", "", "Model override")
	put.Flags().StringVar(&a.SystemPrompt, "prompt", "", "System prompt")
	put.Flags().StringVar(&a.Voice, "voice", "", "TTS voice")
	put.Flags().StringSliceVar(&a.Tools, "tools", nil, "Tools the agent may call (default all)")
	_ = put.MarkFlagRequired("id")

	var listDomain string
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				agents, err := st.ListAgents(ctx, listDomain)
				if err != nil {
					return err
				}
				if len(agents) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No agents found.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tDOMAIN\tNAME\tMODEL\tTOOLS")
				for _, ag := range agents {
					tools := "all"
					if len(ag.Tools) > 0 {
						tools = strings.Join(ag.Tools, ",")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ag.ID, ag.Domain, ag.Name, ag.Model, tools)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().StringVar(&listDomain, "domain", "", "Only agents of this domain")

	del := &cobra.Command{
		Use:   "delete [agent-id]",
		Short: "Delete an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				if err := st.DeleteAgent(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Agent %s deleted\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(put, list, del)
	return cmd
}

func (c *cli) clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage client devices",
		Long:  `Register clients with their default agent and speech settings, and inspect their chat history.`,
	}

	var cl store.Client
	put := &cobra.Command{
		Use:     "put",
		Short:   "Create or update a client",
		Example: `  ejunz client put --domain lobby --id kiosk-1 --agent concierge --asr --tts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				if err := st.PutClient(ctx, cl); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Client %s/%s saved\n", cl.Domain, cl.ID)
				return nil
			})
		},
	}
	put.Flags().StringVar(&cl.Domain, "domain", store.DefaultDomain, "Domain")
	put.Flags().StringVar(&cl.ID, "id", "", "Client id (required)")
	put.Flags().StringVar(&cl.Name, "name", "", "Display name")
	put.Flags().StringVar(&cl.AgentID, "agent", "", "Agent answering this client's voice chats")
	put.Flags().BoolVar(&cl.ASREnabled, "asr", false, "Enable speech recognition")
	put.Flags().BoolVar(&cl.TTSEnabled, "tts", false, "Speak agent replies")
	_ = put.MarkFlagRequired("id")

	var listDomain string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a domain's clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				clients, err := st.ListClients(ctx, listDomain)
				if err != nil {
					return err
				}
				if len(clients) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No clients found.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tAGENT\tASR\tTTS\tSTATUS\tLAST SEEN")
				for _, cl := range clients {
					lastSeen := "never"
					if cl.LastSeenAt != nil {
						lastSeen = cl.LastSeenAt.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\t%s\n",
						cl.ID, cl.Name, cl.AgentID, cl.ASREnabled, cl.TTSEnabled, cl.Status, lastSeen)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().StringVar(&listDomain, "domain", store.DefaultDomain, "Domain")

	var (
		recDomain string
		limit     int
	)
	records := &cobra.Command{
		Use:   "records [client-id]",
		Short: "Show a client's recent chat records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				recs, err := st.ListRecords(ctx, recDomain, args[0], limit)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No records found.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCREATED\tSTATUS\tINPUT\tREPLY")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						shortID(r.ID), r.CreatedAt.Format("2006-01-02 15:04"), r.Status, clip(r.Input, 40), clip(r.Content, 60))
				}
				return w.Flush()
			})
		},
	}
	records.Flags().StringVar(&recDomain, "domain", store.DefaultDomain, "Domain")
	records.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")

	cmd.AddCommand(put, list, records)
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
