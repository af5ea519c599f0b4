package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/alejandrodnm/slotmatrix/internal/ports"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// Console implementa ports.LedgerSink e imprime los reportes del CLI.
type Console struct {
	out     io.Writer
	verbose bool // Publish imprime cada posting, no solo el resumen
}

var _ ports.LedgerSink = (*Console)(nil)

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(verbose bool) *Console {
	return &Console{out: os.Stdout, verbose: verbose}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, verbose bool) *Console {
	return &Console{out: w, verbose: verbose}
}

// Publish imprime los postings confirmados de un evento, agrupados por correlación.
func (c *Console) Publish(_ context.Context, entries []domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var order []string
	groups := make(map[string][]domain.LedgerEntry)
	for _, e := range entries {
		if _, ok := groups[e.CorrelationID]; !ok {
			order = append(order, e.CorrelationID)
		}
		groups[e.CorrelationID] = append(groups[e.CorrelationID], e)
	}

	for _, id := range order {
		group := groups[id]
		first := group[0]
		fmt.Fprintf(c.out, "[%s] %s %s/%d → %d postings, distributed %s %s\n",
			first.CreatedAt.UTC().Format("15:04:05"), truncate(id, 36), first.Program, first.Tier, len(group),
			domain.DistributionTotal(group).StringFixed(2), first.Currency)
		if c.verbose {
			c.printEntries(group)
		}
	}
	return nil
}

// ParticipantReport agrupa lo que se imprime en el modo report.
type ParticipantReport struct {
	Participant domain.Participant
	Placements  []domain.PlacementRecord
	Reserves    []domain.ReserveStatus
	Entries     []domain.LedgerEntry
	Balance     decimal.Decimal
	Currency    string
}

// PrintParticipantReport imprime el informe completo de un participante.
func (c *Console) PrintParticipantReport(in ParticipantReport) {
	p := in.Participant
	fmt.Fprintf(c.out, "\n=== PARTICIPANT %s ===\n", p.ID)
	parent := p.ReferralParent
	if parent == "" {
		parent = "(root)"
	}
	fmt.Fprintf(c.out, "  Referral parent: %s\n", parent)
	fmt.Fprintf(c.out, "  Registered:      %s\n", p.RegisteredAt.Format(time.RFC3339))
	for _, program := range domain.Programs {
		fmt.Fprintf(c.out, "  %-7s tier:    %d\n", program, p.ActiveTier(program))
	}
	fmt.Fprintf(c.out, "  Wallet:          %s %s\n", in.Balance.StringFixed(2), in.Currency)

	fmt.Fprintf(c.out, "\n── PLACEMENTS (%d) ──\n", len(in.Placements))
	if len(in.Placements) > 0 {
		c.printPlacements(in.Placements)
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── RESERVES (%d) ──\n", len(in.Reserves))
	if len(in.Reserves) > 0 {
		c.printReserves(in.Reserves)
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── WALLET POSTINGS (%d) ──\n", len(in.Entries))
	if len(in.Entries) > 0 {
		c.printEntries(in.Entries)
		c.printIncomeSummary(in.Entries)
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}
	fmt.Fprintln(c.out)
}

func (c *Console) printPlacements(recs []domain.PlacementRecord) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Program", "Tier", "Recycle", "Tree parent", "Position", "Depth", "Spill", "Escalation", "Occupants", "Done")
	for _, r := range recs {
		parent := "-"
		if ref, ok := r.ParentNode(); ok {
			parent = fmt.Sprintf("%s#%d", ref.ParticipantID, ref.RecycleIndex)
		}
		pos := "-"
		if !r.IsTreeRoot() {
			pos = domain.PositionName(r.Key.Program, r.Position)
		}
		spill := ""
		if r.IsSpillover {
			spill = "from " + r.SpilloverOrigin
		}
		esc := string(r.Escalation)
		if esc == "" {
			esc = "-"
		}
		done := ""
		if r.Completed {
			done = "yes"
		}
		table.Append(
			string(r.Key.Program),
			fmt.Sprintf("%d", r.Key.Tier),
			fmt.Sprintf("%d", r.Key.RecycleIndex),
			parent,
			pos,
			fmt.Sprintf("%d", r.Depth),
			spill,
			esc,
			fmt.Sprintf("%d", r.Occupants),
			done,
		)
	}
	table.Render()
}

func (c *Console) printReserves(reserves []domain.ReserveStatus) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Program", "Target tier", "Balance", "Cost", "Shortfall", "State")
	for _, st := range reserves {
		state := "saving"
		switch {
		case st.Active:
			state = "active"
		case st.Pending != nil:
			state = "job " + strings.ToLower(string(st.Pending.Status))
		case st.Eligible:
			state = "eligible"
		}
		table.Append(
			string(st.Reserve.Program),
			fmt.Sprintf("%d", st.Reserve.Tier),
			st.Reserve.Balance.StringFixed(2),
			st.NextCost.StringFixed(2),
			st.Shortfall.StringFixed(2),
			state,
		)
	}
	table.Render()
}

func (c *Console) printEntries(entries []domain.LedgerEntry) {
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Account", "Amount", "Reason", "Lvl", "Balance", "Event", "Prog/Tier")
	for _, e := range entries {
		level := ""
		if e.Level > 0 {
			level = fmt.Sprintf("%d", e.Level)
		}
		table.Append(
			fmt.Sprintf("%d", e.ID),
			e.Account,
			e.Amount.StringFixed(2),
			string(e.Reason),
			level,
			e.ResultingBalance.StringFixed(2),
			truncate(e.CorrelationID, 14),
			fmt.Sprintf("%s/%d", e.Program, e.Tier),
		)
	}
	table.Render()
}

// printIncomeSummary suma los ingresos por motivo.
func (c *Console) printIncomeSummary(entries []domain.LedgerEntry) {
	totals := make(map[domain.Reason]decimal.Decimal)
	for _, e := range entries {
		totals[e.Reason] = totals[e.Reason].Add(e.Amount)
	}
	reasons := make([]string, 0, len(totals))
	for r := range totals {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(c.out, "  %-16s %s\n", r, totals[domain.Reason(r)].StringFixed(2))
	}
}

// PrintSubtree imprime los descendientes de un registro por niveles.
func (c *Console) PrintSubtree(root domain.PlacementRecord, occupants []domain.SnapshotOccupant) {
	fmt.Fprintf(c.out, "\n── TREE %s (%d occupants) ──\n", root.Key, len(occupants))
	c.printOccupants(root.Key.Program, occupants)
}

// PrintSnapshot imprime un árbol congelado.
func (c *Console) PrintSnapshot(snap domain.TreeSnapshot) {
	fmt.Fprintf(c.out, "\n── SNAPSHOT %s completed %s by %s ──\n",
		snap.Key, snap.CompletedAt.Format(time.RFC3339), truncate(snap.EventID, 36))
	c.printOccupants(snap.Key.Program, snap.Occupants)
}

func (c *Console) printOccupants(program domain.Program, occupants []domain.SnapshotOccupant) {
	if len(occupants) == 0 {
		fmt.Fprintln(c.out, "  (empty)")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Depth", "Participant", "Recycle", "Parent", "Position")
	for _, o := range occupants {
		table.Append(
			fmt.Sprintf("%d", o.Depth),
			o.ParticipantID,
			fmt.Sprintf("%d", o.RecycleIndex),
			fmt.Sprintf("%s#%d", o.ParentID, o.ParentRecycle),
			domain.PositionName(program, o.Position),
		)
	}
	table.Render()
}

// PrintCascades imprime la cola de auto-upgrades.
func (c *Console) PrintCascades(title string, jobs []domain.CascadeJob) {
	fmt.Fprintf(c.out, "\n── CASCADES %s (%d) ──\n", title, len(jobs))
	if len(jobs) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Participant", "Program", "From", "To", "Depth", "Status", "Attempts", "Last error")
	for _, j := range jobs {
		table.Append(
			j.ParticipantID,
			string(j.Program),
			fmt.Sprintf("%d", j.FromTier),
			fmt.Sprintf("%d", j.ToTier),
			fmt.Sprintf("%d", j.Depth),
			string(j.Status),
			fmt.Sprintf("%d", j.Attempts),
			truncate(j.LastError, 40),
		)
	}
	table.Render()
}

// PrintRecycles imprime los reciclajes diferidos.
func (c *Console) PrintRecycles(title string, jobs []domain.RecycleJob) {
	fmt.Fprintf(c.out, "\n── RECYCLES %s (%d) ──\n", title, len(jobs))
	if len(jobs) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Record", "Event", "Status", "Attempts", "Queued", "Last error")
	for _, j := range jobs {
		table.Append(
			j.Key.String(),
			truncate(j.TriggerEventID, 14),
			string(j.Status),
			fmt.Sprintf("%d", j.Attempts),
			j.CreatedAt.UTC().Format(time.RFC3339),
			truncate(j.LastError, 40),
		)
	}
	table.Render()
}

// SubmitSummary resume un lote procesado por el modo submit.
type SubmitSummary struct {
	Accepted int
	Rejected map[string]int // motivo → cantidad
	Recycles int
	Deferred int // reciclajes encolados por superar el límite de cadena
	Cascades int // jobs ejecutados por el drenado final
	Duration time.Duration
}

// PrintSubmitSummary imprime el resultado de un lote.
func (c *Console) PrintSubmitSummary(s SubmitSummary) {
	rejected := 0
	for _, n := range s.Rejected {
		rejected += n
	}
	fmt.Fprintf(c.out, "\n=== BATCH: %d accepted, %d rejected, %d recycles (%d deferred), %d cascades (%v) ===\n",
		s.Accepted, rejected, s.Recycles, s.Deferred, s.Cascades, s.Duration.Truncate(time.Millisecond))
	if rejected == 0 {
		return
	}
	reasons := make([]string, 0, len(s.Rejected))
	for r := range s.Rejected {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(c.out, "  %-40s %d\n", truncate(r, 40), s.Rejected[r])
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
