package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	pathpkg "path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"

	"ropfind/internal/elfx"
	"ropfind/internal/rules"
	"ropfind/internal/ropfind/styles"
	"ropfind/internal/scan"
	"ropfind/internal/ui/colorize"
)

type viewMode int

const (
	viewOverview viewMode = iota
	viewGadgets
	viewDetails
)

type gadgetItem struct {
	offset     uint64
	va         uint64
	text       string // plain instruction text
	colored    string // pre-rendered colorized text
	region     string
	symbol     string
	stackPivot bool
	basePivot  bool
	rawBytes   []byte
	filterTerm string // Pre-computed filter value
}

func (i gadgetItem) Title() string {
	// This is used for filtering - return plain text
	return fmt.Sprintf("0x%08x  %s", i.offset, i.text)
}

func (i gadgetItem) Description() string { return "" }

func (i gadgetItem) FilterValue() string {
	// Return the pre-computed filter term
	return i.filterTerm
}

// Custom item delegate for the gadget list
type itemDelegate struct{}

func (d itemDelegate) Height() int                               { return 1 }
func (d itemDelegate) Spacing() int                              { return 0 }
func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(gadgetItem)
	if !ok {
		return
	}

	// Style the address differently for selected items
	var addrStyle lipgloss.Style
	var indicator string

	if index == m.Index() {
		// Selected item
		indicator = ">"
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170")) // Purple for selected address
	} else {
		// Normal item
		indicator = " "
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")) // Gray for normal address
	}

	str := fmt.Sprintf(" %s  %s  %s",
		indicator,
		addrStyle.Render(fmt.Sprintf("0x%08x", i.offset)),
		i.colored)

	if i.stackPivot || i.basePivot {
		pivotStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // Orange pivot marker
		switch {
		case i.stackPivot && i.basePivot:
			str += pivotStyle.Render("  [sp+bp]")
		case i.stackPivot:
			str += pivotStyle.Render("  [sp]")
		default:
			str += pivotStyle.Render("  [bp]")
		}
	}

	fmt.Fprint(w, str)
}

type model struct {
	viewport      viewport.Model
	gadgetsList   list.Model
	detailsView   viewport.Model
	spinner       spinner.Model
	mode          viewMode
	filepath      string
	opts          scan.Options
	digest        string
	fileType      string
	report        *scan.Report
	scanErr       error
	loadingScan   bool
	loadingDigest bool
	width         int
	height        int
}

// Message types
type digestCalculatedMsg struct {
	digest string
}

type fileTypeMsg struct {
	fileType string
}

type scanDoneMsg struct {
	report *scan.Report
	err    error
}

// Commands
func calculateDigestCmd(filepath string) tea.Cmd {
	return func() tea.Msg {
		digest, err := fileDigest(filepath)
		if err != nil {
			return digestCalculatedMsg{digest: fmt.Sprintf("error: %v", err)}
		}
		return digestCalculatedMsg{digest: digest}
	}
}

func getFileTypeCmd(filepath string) tea.Cmd {
	return func() tea.Msg {
		cmd := exec.Command("file", "-b", filepath)
		output, err := cmd.Output()
		if err != nil {
			return fileTypeMsg{fileType: "unknown"}
		}

		// Trim whitespace and newlines
		fileType := strings.TrimSpace(string(output))
		return fileTypeMsg{fileType: fileType}
	}
}

func runScanCmd(filepath string, opts scan.Options) tea.Cmd {
	return func() tea.Msg {
		img, err := elfx.Open(filepath)
		if err != nil {
			return scanDoneMsg{err: err}
		}
		defer img.Close()

		report, err := scan.Image(img, opts)
		return scanDoneMsg{report: report, err: err}
	}
}

func NewModel(filepath string, opts scan.Options) model {
	vp := viewport.New()
	vp.SetWidth(80)
	vp.SetHeight(24)

	// Create custom item delegate
	delegate := itemDelegate{}

	gadgetsList := list.New([]list.Item{}, delegate, 80, 24)
	gadgetsList.SetShowStatusBar(false)
	gadgetsList.SetFilteringEnabled(true)
	gadgetsList.Title = "Gadgets"
	gadgetsList.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		MarginLeft(2)
	gadgetsList.SetShowHelp(true)

	// Create spinner
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))

	// Create details viewport for the selected gadget
	dvp := viewport.New()
	dvp.SetWidth(80)
	dvp.SetHeight(24)

	m := model{
		viewport:      vp,
		gadgetsList:   gadgetsList,
		detailsView:   dvp,
		spinner:       s,
		mode:          viewOverview,
		filepath:      filepath,
		opts:          opts,
		loadingScan:   true,
		loadingDigest: true,
		width:         80,
		height:        24,
	}
	m.updateContent()
	return m
}

func (m model) Init() tea.Cmd {
	// Start calculating the digest, getting the file type, scanning, and spinner
	return tea.Batch(
		calculateDigestCmd(m.filepath),
		getFileTypeCmd(m.filepath),
		runScanCmd(m.filepath, m.opts),
		m.spinner.Tick,
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case digestCalculatedMsg:
		m.digest = msg.digest
		m.loadingDigest = false
		m.updateContent()
		return m, nil

	case fileTypeMsg:
		m.fileType = msg.fileType
		m.updateContent()
		return m, nil

	case scanDoneMsg:
		m.report = msg.report
		m.scanErr = msg.err
		m.loadingScan = false
		if msg.err == nil && msg.report != nil {
			m.updateGadgetsList()
		}
		m.updateContent()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		// Only continue spinner while something is loading
		if m.loadingScan || m.loadingDigest {
			m.updateContent()
			return m, cmd
		}
		return m, nil

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width = msg.Width
			m.height = msg.Height
			m.viewport.SetWidth(msg.Width)
			m.viewport.SetHeight(msg.Height - 2)
			m.gadgetsList.SetWidth(msg.Width)
			m.gadgetsList.SetHeight(msg.Height - 2)
			m.detailsView.SetWidth(msg.Width)
			m.detailsView.SetHeight(msg.Height - 2)

			m.updateContent()
		}

	case tea.KeyMsg:
		// If the list is filtering, let it handle keys first
		if m.mode == viewGadgets && m.gadgetsList.FilterState() == list.Filtering {
			switch msg.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			}
			m.gadgetsList, cmd = m.gadgetsList.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			switch m.mode {
			case viewOverview:
				m.mode = viewGadgets
			case viewGadgets:
				m.mode = viewDetails
				m.updateDetails()
			case viewDetails:
				m.mode = viewOverview
			}
			return m, nil
		case "o":
			m.mode = viewOverview
			return m, nil
		case "g":
			m.mode = viewGadgets
			return m, nil
		case "enter":
			if m.mode == viewGadgets {
				m.mode = viewDetails
				m.updateDetails()
				return m, nil
			}
		}
	}

	// Update the active view
	switch m.mode {
	case viewGadgets:
		m.gadgetsList, cmd = m.gadgetsList.Update(msg)
	case viewDetails:
		m.detailsView, cmd = m.detailsView.Update(msg)
	default:
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m model) View() string {
	var content string
	switch m.mode {
	case viewGadgets:
		content = m.gadgetsList.View()
	case viewDetails:
		content = m.detailsView.View()
	default:
		content = m.viewport.View()
	}

	// Add menu bar at the bottom
	var menu string
	switch m.mode {
	case viewGadgets:
		menu = " Enter: details • O: overview • /: filter • Tab: cycle • Q: quit "
	case viewDetails:
		menu = " G: gadgets • O: overview • Tab: cycle • Q: quit "
	default: // viewOverview
		menu = " G: gadgets • Tab: cycle • Q: quit "
	}

	// Style the menu bar
	menuStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1).
		Width(m.width)

	return content + "\n" + menuStyle.Render(menu)
}

func (m *model) updateContent() {
	// Get relative path from current directory
	relPath := m.filepath
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := pathpkg.Rel(cwd, m.filepath); err == nil {
			relPath = rel
		}
	}

	var lines []string

	dir := pathpkg.Dir(relPath)
	base := pathpkg.Base(relPath)

	if dir != "." {
		lines = append(lines, fmt.Sprintf("; %s/", dir))
	}
	lines = append(lines, fmt.Sprintf("; %s", base))

	if m.digest != "" {
		lines = append(lines, fmt.Sprintf("; %s", m.digest))
	} else if m.loadingDigest {
		lines = append(lines, "; Calculating digest...")
	}

	lines = append(lines, "")

	if m.fileType != "" {
		lines = append(lines, fmt.Sprintf("; %s", m.fileType))
	}

	markdown := fmt.Sprintf("# ropfind\n\n```\n%s\n```", strings.Join(lines, "\n"))

	switch {
	case m.scanErr != nil:
		markdown += fmt.Sprintf("\n\n## Scan\n\nScan failed: %v", m.scanErr)
	case m.report != nil:
		markdown += "\n\n## Scan\n\n"
		markdown += fmt.Sprintf("- **%d** gadgets (max %d instructions each)\n", len(m.report.Gadgets), m.opts.MaxInstructions)
		markdown += fmt.Sprintf("- regions: %s\n", strings.Join(m.report.Regions, ", "))
		markdown += fmt.Sprintf("- elapsed: %s\n", m.report.Elapsed.Round(1e6))
	}

	// Add loading spinner after the code block if needed
	if m.loadingScan {
		markdown += fmt.Sprintf("\n\n%s Scanning for gadgets...", m.spinner.View())
	}
	if m.loadingDigest && m.digest == "" {
		markdown += fmt.Sprintf("\n\n%s Calculating digest...", m.spinner.View())
	}

	// Render markdown using glamour
	width := m.width
	if width == 0 {
		width = 80
	}
	renderer := styles.GetMarkdownRenderer(width - 2)
	rendered, _ := renderer.Render(markdown)
	m.viewport.SetContent(strings.TrimSuffix(rendered, "\n"))
}

func (m *model) updateGadgetsList() {
	table := rules.Table{}

	items := make([]list.Item, 0, len(m.report.Gadgets))
	for _, f := range m.report.Gadgets {
		g := f.Gadget
		var raw []byte
		for _, in := range g.Instructions() {
			raw = append(raw, in.Raw...)
		}
		text := g.String()
		items = append(items, gadgetItem{
			offset:     g.FileOffset(),
			va:         f.VA,
			text:       text,
			colored:    colorize.InstructionLine(g),
			region:     f.Region,
			symbol:     f.Symbol,
			stackPivot: g.IsStackPivot(table),
			basePivot:  g.IsBasePivot(table),
			rawBytes:   raw,
			filterTerm: fmt.Sprintf("%x %s %s", g.FileOffset(), text, f.Symbol),
		})
	}

	m.gadgetsList.SetItems(items)
	m.gadgetsList.Title = fmt.Sprintf("Gadgets (%d total)", len(items))
}

func (m *model) updateDetails() {
	item, ok := m.gadgetsList.SelectedItem().(gadgetItem)
	if !ok {
		m.detailsView.SetContent("No gadget selected")
		return
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# Gadget 0x%08x\n\n", item.offset)
	fmt.Fprintf(&md, "```\n%s\n```\n\n", strings.ReplaceAll(item.text, "; ", ";\n"))
	fmt.Fprintf(&md, "- file offset: `0x%08x`\n", item.offset)
	fmt.Fprintf(&md, "- virtual address: `%#x`\n", item.va)
	fmt.Fprintf(&md, "- bytes: `% x`\n", item.rawBytes)
	if item.region != "" {
		fmt.Fprintf(&md, "- region: `%s`\n", item.region)
	}
	if item.symbol != "" {
		fmt.Fprintf(&md, "- function: `%s`\n", item.symbol)
	}
	fmt.Fprintf(&md, "- stack pivot: %v\n", item.stackPivot)
	fmt.Fprintf(&md, "- base pivot: %v\n", item.basePivot)

	width := m.width
	if width == 0 {
		width = 80
	}
	renderer := styles.GetMarkdownRenderer(width - 2)
	rendered, _ := renderer.Render(md.String())
	m.detailsView.SetContent(strings.TrimSuffix(rendered, "\n"))
}
