package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"concord/pkg/authz"
	"concord/pkg/config"
	"concord/pkg/state"
	"concord/pkg/store"
	"concord/pkg/types"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(fgColor)
)

// roomSummary is what status reports for one room.
type roomSummary struct {
	RoomID     types.RoomID
	Frontier   []types.EventID
	Events     int
	Rejected   int
	StateSlots int
	Joined     int
	Diverged   bool

	// Pending counts local events each peer has not acknowledged yet.
	Pending map[types.ServerName]int
}

func statusCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show rooms and delivery progress from the database",
		Long: `Print every room in the event database with its frontier, resolved state
and, for configured peers, how many local events are still undelivered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return fmt.Errorf("failed to read config file: %w", err)
				}
				if cfg, err = config.Parse(data); err != nil {
					return err
				}
			}
			if err := config.ApplyEnv(cfg); err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.DatabasePath
			}
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("database %s: %w", dbPath, err)
			}

			ctx := cmd.Context()
			st, err := store.OpenSQLite(ctx, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			local := types.ServerName(cfg.ServerName)
			summaries, err := summarizeRooms(ctx, st, local, peerNames(cfg))
			if err != nil {
				return err
			}
			pos, err := st.Position(ctx)
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), local, dbPath, pos, summaries)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "event database path (default: database_path from config)")
	return cmd
}

func peerNames(cfg *config.Config) []types.ServerName {
	out := make([]types.ServerName, 0, len(cfg.Peers))
	for name := range cfg.Peers {
		out = append(out, types.ServerName(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// summarizeRooms resolves every room's current state straight from st.
func summarizeRooms(ctx context.Context, st store.Store, local types.ServerName, peers []types.ServerName) ([]roomSummary, error) {
	rooms, err := st.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	resolver := state.NewResolver(st)

	out := make([]roomSummary, 0, len(rooms))
	for _, roomID := range rooms {
		sum := roomSummary{RoomID: roomID, Pending: make(map[types.ServerName]int)}

		if sum.Frontier, err = st.Frontier(ctx, roomID); err != nil {
			return nil, err
		}
		rs, err := resolver.Resolve(ctx, roomID, sum.Frontier, nil)
		var divergence *state.DivergenceError
		switch {
		case errors.As(err, &divergence):
			sum.Diverged = true
		case err != nil:
			return nil, fmt.Errorf("resolve %s: %w", roomID, err)
		}
		sum.StateSlots = len(rs.Slots)
		for tuple := range rs.State {
			if tuple.Type == types.EventMember &&
				authz.MembershipOf(rs.State, types.UserID(tuple.StateKey)) == types.MembershipJoined {
				sum.Joined++
			}
		}

		cursors := make(map[types.ServerName]store.Position, len(peers))
		for _, peer := range peers {
			if cursors[peer], err = st.Cursor(ctx, peer, roomID); err != nil {
				return nil, err
			}
		}

		it := st.EventsSince(ctx, roomID, nil, 0)
		for it.Next() {
			rec := it.Record()
			sum.Events++
			if rec.Rejected {
				sum.Rejected++
				continue
			}
			if rec.Event.OriginServer != local {
				continue
			}
			for _, peer := range peers {
				if rec.Position > cursors[peer] {
					sum.Pending[peer]++
				}
			}
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func renderStatus(w io.Writer, local types.ServerName, dbPath string, pos store.Position, rooms []roomSummary) {
	server := string(local)
	if server == "" {
		server = "(unconfigured)"
	}
	var header strings.Builder
	for _, m := range []struct{ label, value string }{
		{"Server", server},
		{"Database", dbPath},
		{"Stream position", fmt.Sprintf("%d", pos)},
		{"Rooms", fmt.Sprintf("%d", len(rooms))},
	} {
		header.WriteString(labelStyle.Render(m.label+":") + " " + valueStyle.Render(m.value) + "\n")
	}
	fmt.Fprintln(w, titleStyle.Render("CONCORD STATUS"))
	fmt.Fprintln(w, strings.TrimRight(header.String(), "\n"))
	if len(rooms) == 0 {
		return
	}

	rt := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers("ROOM", "EVENTS", "REJECTED", "FRONTIER", "STATE", "JOINED", "RESOLUTION")

	for _, r := range rooms {
		resolution := lipgloss.NewStyle().Foreground(accentColor).Render("converged")
		if r.Diverged {
			resolution = lipgloss.NewStyle().Foreground(dangerColor).Render("diverged")
		}
		rt.Row(
			string(r.RoomID),
			fmt.Sprintf("%d", r.Events),
			fmt.Sprintf("%d", r.Rejected),
			fmt.Sprintf("%d", len(r.Frontier)),
			fmt.Sprintf("%d", r.StateSlots),
			fmt.Sprintf("%d", r.Joined),
			resolution,
		)
	}
	fmt.Fprintln(w, rt.Render())

	dt := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers("PEER", "ROOM", "PENDING")

	rows := 0
	for _, r := range rooms {
		peers := make([]types.ServerName, 0, len(r.Pending))
		for p := range r.Pending {
			peers = append(peers, p)
		}
		sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
		for _, p := range peers {
			pending := lipgloss.NewStyle().Foreground(warningColor).Render(fmt.Sprintf("%d", r.Pending[p]))
			dt.Row(string(p), string(r.RoomID), pending)
			rows++
		}
	}
	if rows > 0 {
		fmt.Fprintln(w, titleStyle.Render("UNDELIVERED"))
		fmt.Fprintln(w, dt.Render())
	}
}
