package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentchat/internal/app"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type focusArea int

const (
	focusInput focusArea = iota
	focusChat
	focusSessions
)

type stateChangeMsg struct{ change app.StateChange }
type directoryUpdateMsg struct{ update app.DirectoryUpdate }
type sessionListMsg struct {
	infos []app.SessionInfo
	err   error
}
type pollStatesMsg struct {
	states []app.SessionState
	err    error
}
type respondErrMsg struct{ err error }
type spinMsg struct{}
type refreshTickMsg struct{}
type clearToastMsg struct{ seq int }

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type MainModel struct {
	cfg     app.Config
	logger  *app.Logger
	streams *app.StreamManager
	dir     *app.Directory

	theme    Theme
	help     helpModel
	markdown *MarkdownRenderer

	width  int
	height int
	ready  bool

	focus focusArea

	input  textarea.Model
	chatVP viewport.Model

	showSessions bool
	sessions     []app.SessionInfo
	sessionSel   int
	sessionOff   int

	// Mirror of the visible session, fed exclusively by the manager's
	// change channel.
	sessionID string
	messages  []app.Message
	status    app.SessionStatus
	live      bool
	progress  string

	pending *app.PendingAction

	toast    string
	toastSeq int

	spinnerPos int

	initialSession string

	updates     chan app.DirectoryUpdate
	watchCancel context.CancelFunc
}

func NewMainModel(cfg app.Config, logger *app.Logger, streams *app.StreamManager, dir *app.Directory, initialSession string) *MainModel {
	ta := textarea.New()
	ta.Placeholder = "Ask, then press Enter. Tab switches focus."
	ta.Focus()
	ta.CharLimit = 8000
	ta.SetHeight(1)
	ta.Prompt = " "
	ta.ShowLineNumbers = false

	// Keep textarea styling minimal; we style the input container instead.
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.BlurredStyle.CursorLine = lipgloss.NewStyle()
	ta.FocusedStyle.Base = lipgloss.NewStyle()
	ta.BlurredStyle.Base = lipgloss.NewStyle()

	return &MainModel{
		cfg:            cfg,
		logger:         logger,
		streams:        streams,
		dir:            dir,
		theme:          NewTheme(cfg.Theme),
		help:           newHelpModel(),
		markdown:       NewMarkdownRenderer(),
		width:          100,
		height:         30,
		focus:          focusInput,
		showSessions:   true,
		input:          ta,
		status:         app.StatusIdle,
		initialSession: initialSession,
		updates:        make(chan app.DirectoryUpdate, 64),
	}
}

func (m *MainModel) Init() tea.Cmd {
	cmds := []tea.Cmd{
		textarea.Blink,
		m.waitChange(),
		m.waitUpdate(),
		m.loadSessions(),
	}
	if m.initialSession != "" {
		cmds = append(cmds, m.loadSessionCmd(m.initialSession))
	} else {
		m.streams.NewSession()
	}
	return tea.Batch(cmds...)
}

func (m *MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.SetWidth(m.width)

		layout := m.computeLayout()
		if !m.ready {
			m.chatVP = viewport.New(layout.ChatW, layout.ChatH)
			m.chatVP.Style = lipgloss.NewStyle()
			m.ready = true
		} else {
			m.chatVP.Width = layout.ChatW
			m.chatVP.Height = layout.ChatH
		}
		m.input.SetWidth(max(10, layout.InputW))
		m.updateChatViewport()
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case stateChangeMsg:
		c := msg.change
		wasLive := m.live
		m.sessionID = c.SessionID
		m.messages = c.Messages
		m.status = c.Status
		m.live = c.Live
		if !m.live {
			m.progress = ""
		}
		m.updateChatViewport()
		m.chatVP.GotoBottom()
		cmds = append(cmds, m.waitChange())
		if m.live && !wasLive {
			m.spinnerPos = 0
			cmds = append(cmds, m.spinTick())
		}
		return m, tea.Batch(cmds...)

	case directoryUpdateMsg:
		cmds = append(cmds, m.waitUpdate())
		if cmd := m.applyDirectoryUpdate(msg.update); cmd != nil {
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)

	case sessionListMsg:
		cmds = append(cmds, tea.Tick(m.refreshEvery(), func(_ time.Time) tea.Msg { return refreshTickMsg{} }))
		if msg.err != nil {
			cmds = append(cmds, m.showToast("session list: "+msg.err.Error()))
			return m, tea.Batch(cmds...)
		}
		m.sessions = msg.infos
		if m.sessionSel >= len(m.sessions) {
			m.sessionSel = max(0, len(m.sessions)-1)
		}
		m.normalizeSessionScroll()
		if !m.cfg.ForcePoll {
			m.restartWatch()
		}
		return m, tea.Batch(cmds...)

	case refreshTickMsg:
		cmds = append(cmds, m.loadSessions())
		if m.cfg.ForcePoll {
			cmds = append(cmds, m.pollStates())
		}
		return m, tea.Batch(cmds...)

	case pollStatesMsg:
		if msg.err != nil {
			return m, nil
		}
		for _, state := range msg.states {
			if cmd := m.applyState(state); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
		return m, tea.Batch(cmds...)

	case respondErrMsg:
		return m, m.showToast("respond failed: " + msg.err.Error())

	case spinMsg:
		m.spinnerPos = (m.spinnerPos + 1) % len(spinnerFrames)
		if m.live {
			return m, m.spinTick()
		}
		return m, nil

	case clearToastMsg:
		if msg.seq == m.toastSeq {
			m.toast = ""
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.chatVP, cmd = m.chatVP.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *MainModel) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	keys := m.help.keys

	switch {
	case key.Matches(msg, keys.Quit):
		if m.watchCancel != nil {
			m.watchCancel()
		}
		return tea.Quit, true

	case key.Matches(msg, keys.Cancel):
		if m.live {
			m.streams.ResetSession()
			return m.showToast("interrupting…"), true
		}
		return nil, true

	case key.Matches(msg, keys.NewSession):
		m.pending = nil
		m.focus = focusInput
		m.input.Focus()
		m.streams.NewSession()
		return nil, true

	case key.Matches(msg, keys.ToggleSessions):
		m.showSessions = !m.showSessions
		if !m.showSessions && m.focus == focusSessions {
			m.focus = focusInput
			m.input.Focus()
		}
		return nil, true

	case key.Matches(msg, keys.Refresh):
		return m.loadSessions(), true

	case key.Matches(msg, keys.FocusNext):
		m.cycleFocus()
		return nil, true

	case key.Matches(msg, keys.Dismiss):
		if m.pending != nil {
			m.dir.Dismiss(m.sessionID)
			m.pending = nil
		}
		return nil, true

	case key.Matches(msg, keys.Enter):
		return m.onEnter(), true

	case msg.Type == tea.KeyUp:
		switch m.focus {
		case focusChat:
			m.chatVP.LineUp(1)
			return nil, true
		case focusSessions:
			m.moveSessionSel(-1)
			return nil, true
		}
	case msg.Type == tea.KeyDown:
		switch m.focus {
		case focusChat:
			m.chatVP.LineDown(1)
			return nil, true
		case focusSessions:
			m.moveSessionSel(1)
			return nil, true
		}
	case msg.Type == tea.KeyPgUp:
		m.chatVP.ViewUp()
		return nil, true
	case msg.Type == tea.KeyPgDown:
		m.chatVP.ViewDown()
		return nil, true
	}

	// While an approval prompt is up, digits pick an option.
	if m.pending != nil && m.pending.Kind == app.ActionApproval {
		s := msg.String()
		if len(s) == 1 && s[0] >= '1' && s[0] <= '9' {
			idx := int(s[0] - '1')
			if idx < len(m.pending.Options) {
				return m.respond(m.pending.Options[idx]), true
			}
		}
	}

	return nil, false
}

func (m *MainModel) onEnter() tea.Cmd {
	if m.focus == focusSessions {
		if m.sessionSel >= 0 && m.sessionSel < len(m.sessions) {
			id := m.sessions[m.sessionSel].ID
			m.pending = nil
			m.focus = focusInput
			m.input.Focus()
			return m.loadSessionCmd(id)
		}
		return nil
	}

	val := strings.TrimSpace(m.input.Value())
	if val == "" {
		return nil
	}
	m.input.Reset()

	// A question prompt captures the next Enter as the answer.
	if m.pending != nil && m.pending.Kind == app.ActionQuestion {
		return m.respond(val)
	}

	m.streams.SendMessage(val)
	return nil
}

func (m *MainModel) respond(response string) tea.Cmd {
	pending := m.pending
	if pending == nil {
		return nil
	}
	sessionID := m.sessionID
	actionID := pending.ID
	m.pending = nil

	dir := m.dir
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := dir.Respond(ctx, sessionID, actionID, response); err != nil {
			return respondErrMsg{err: err}
		}
		return nil
	}
}

func (m *MainModel) applyDirectoryUpdate(u app.DirectoryUpdate) tea.Cmd {
	switch u.Kind {
	case app.UpdateNeedsAttention:
		return m.applyState(u.State)
	case app.UpdateStatus:
		if u.State.SessionID == m.sessionID {
			m.pending = u.State.Pending
		}
	case app.UpdateProgress:
		if u.State.SessionID == m.sessionID {
			m.progress = u.State.Progress
		}
	}
	return nil
}

// applyState folds one out-of-band session state into the UI: the active
// session gets the inline prompt, any other session gets a toast.
func (m *MainModel) applyState(state app.SessionState) tea.Cmd {
	if state.Pending == nil {
		return nil
	}
	if state.SessionID == m.sessionID {
		m.pending = state.Pending
		m.focus = focusInput
		m.input.Focus()
		return nil
	}
	title := state.SessionID
	for _, s := range m.sessions {
		if s.ID == state.SessionID {
			title = s.DisplayTitle()
			break
		}
	}
	return m.showToast(fmt.Sprintf("%s needs input: %s", title, oneLine(state.Pending.Title)))
}

func (m *MainModel) waitChange() tea.Cmd {
	ch := m.streams.Changes()
	return func() tea.Msg {
		return stateChangeMsg{change: <-ch}
	}
}

func (m *MainModel) waitUpdate() tea.Cmd {
	ch := m.updates
	return func() tea.Msg {
		return directoryUpdateMsg{update: <-ch}
	}
}

func (m *MainModel) loadSessions() tea.Cmd {
	dir := m.dir
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		infos, err := dir.List(ctx)
		return sessionListMsg{infos: infos, err: err}
	}
}

func (m *MainModel) loadSessionCmd(id string) tea.Cmd {
	streams := m.streams
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		streams.LoadSession(ctx, id)
		return nil
	}
}

func (m *MainModel) pollStates() tea.Cmd {
	dir := m.dir
	ids := make([]string, len(m.sessions))
	for i, s := range m.sessions {
		ids[i] = s.ID
	}
	return func() tea.Msg {
		if len(ids) == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		states, err := dir.PollStatus(ctx, ids)
		return pollStatesMsg{states: states, err: err}
	}
}

func (m *MainModel) restartWatch() {
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	if len(m.sessions) == 0 {
		return
	}
	ids := make([]string, len(m.sessions))
	for i, s := range m.sessions {
		ids[i] = s.ID
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchCancel = cancel
	go m.dir.Watch(ctx, ids, m.updates)
}

func (m *MainModel) refreshEvery() time.Duration {
	if m.cfg.ForcePoll {
		return m.cfg.PollEvery()
	}
	return 30 * time.Second
}

func (m *MainModel) spinTick() tea.Cmd {
	return tea.Tick(90*time.Millisecond, func(_ time.Time) tea.Msg { return spinMsg{} })
}

func (m *MainModel) showToast(text string) tea.Cmd {
	m.toast = text
	m.toastSeq++
	seq := m.toastSeq
	return tea.Tick(5*time.Second, func(_ time.Time) tea.Msg { return clearToastMsg{seq: seq} })
}

func (m *MainModel) cycleFocus() {
	next := m.focus + 1
	if next > focusSessions {
		next = focusInput
	}
	if next == focusSessions && !m.showSessions {
		next = focusInput
	}
	m.focus = next
	if m.focus == focusInput {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m *MainModel) moveSessionSel(delta int) {
	if len(m.sessions) == 0 {
		return
	}
	m.sessionSel += delta
	if m.sessionSel < 0 {
		m.sessionSel = 0
	}
	if m.sessionSel >= len(m.sessions) {
		m.sessionSel = len(m.sessions) - 1
	}
	m.normalizeSessionScroll()
}

func (m *MainModel) normalizeSessionScroll() {
	visible := m.computeLayout().SessionListH
	if visible <= 0 {
		visible = 1
	}
	if m.sessionSel < m.sessionOff {
		m.sessionOff = m.sessionSel
	}
	if m.sessionSel >= m.sessionOff+visible {
		m.sessionOff = m.sessionSel - visible + 1
	}
	if m.sessionOff < 0 {
		m.sessionOff = 0
	}
	maxOff := len(m.sessions) - visible
	if maxOff < 0 {
		maxOff = 0
	}
	if m.sessionOff > maxOff {
		m.sessionOff = maxOff
	}
}

type layoutInfo struct {
	TopH  int
	FootH int

	MainH int

	ChatW int
	ChatH int

	SessW        int
	SessionListH int

	InputH int
	InputW int
}

func (m *MainModel) computeLayout() layoutInfo {
	top := 1
	foot := 1
	inputH := 3
	promptH := 0
	if m.pending != nil {
		promptH = 4
	}
	mainH := m.height - top - foot - inputH - promptH
	if mainH < 3 {
		mainH = 3
	}

	showSess := m.showSessions && m.width >= 100
	chatW := m.width
	sessW := 0
	if showSess {
		gap := 1
		sessW = 34
		chatW = m.width - gap - sessW
		if chatW < 50 {
			chatW = 50
			sessW = m.width - gap - chatW
		}
	}

	return layoutInfo{
		TopH: top, FootH: foot, MainH: mainH,
		ChatW: chatW, ChatH: mainH,
		SessW:        sessW,
		SessionListH: max(1, mainH-3),
		InputH:       inputH,
		InputW:       chatW - 4,
	}
}

func (m *MainModel) View() string {
	if !m.ready {
		return "…"
	}

	layout := m.computeLayout()
	parts := []string{
		m.renderTopBar(),
		m.renderMain(layout),
	}
	if m.pending != nil {
		parts = append(parts, m.renderPrompt(layout))
	}
	parts = append(parts, m.renderInputArea(layout), m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *MainModel) renderTopBar() string {
	title := "emchat"
	for _, s := range m.sessions {
		if s.ID == m.sessionID {
			title = s.DisplayTitle()
			break
		}
	}
	left := m.theme.TopBarTitle.Render("emchat") + " " + m.theme.TopBarBadge.Render(truncateRunes(title, 30))

	status := statusLabel(m.status, m.live)
	if m.progress != "" {
		status += " · " + truncateRunes(oneLine(m.progress), 30)
	}
	if m.live {
		status = m.theme.Spinner.Render(spinnerFrames[m.spinnerPos] + " " + status)
	} else {
		if res, ok := m.streams.LastResult(m.sessionID); ok && m.status == app.StatusCompleted {
			status += " · " + resultLine(res)
		}
		status = m.theme.TopBarMeta.Render(status)
	}
	right := m.theme.TopBarMeta.Render(time.Now().Format("15:04"))

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(status) - lipgloss.Width(right)
	if gap < 2 {
		gap = 2
	}
	a := gap / 2
	b := gap - a
	return m.theme.TopBar.Render(left + strings.Repeat(" ", a) + status + strings.Repeat(" ", b) + right)
}

func (m *MainModel) renderFooter() string {
	if m.toast != "" {
		return m.theme.Toast.Width(m.width - 2).Render(truncateRunes(oneLine(m.toast), max(12, m.width-6)))
	}
	hints := "Tab focus  Ctrl+S sessions  Ctrl+N new  Ctrl+C interrupt  Ctrl+Q quit"
	if m.width < 80 {
		hints = "Tab focus  Ctrl+N new  Ctrl+Q quit"
	}
	return m.theme.Footer.Width(m.width).Render(hints)
}

func (m *MainModel) renderMain(l layoutInfo) string {
	chatPane := m.renderChatPane(l)
	if l.SessW > 0 {
		sessPane := m.renderSessionsPane(l)
		sep := m.theme.PaneDivider.Render("│")
		return lipgloss.JoinHorizontal(lipgloss.Top, chatPane, sep, sessPane)
	}
	return chatPane
}

func (m *MainModel) renderChatPane(l layoutInfo) string {
	title := "Chat"
	box := m.theme.Pane
	if m.focus == focusChat {
		box = m.theme.PaneFocused
		title = m.theme.PaneTitleF.Render(title)
	} else {
		title = m.theme.PaneTitle.Render(title)
	}
	return box.Width(l.ChatW).Height(l.ChatH).Render(title + "\n" + m.chatVP.View())
}

func (m *MainModel) renderSessionsPane(l layoutInfo) string {
	titleText := fmt.Sprintf("Sessions (%d)", len(m.sessions))
	box := m.theme.Pane
	var title string
	if m.focus == focusSessions {
		box = m.theme.PaneFocused
		title = m.theme.PaneTitleF.Render(titleText)
	} else {
		title = m.theme.PaneTitle.Render(titleText)
	}

	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n")

	if len(m.sessions) == 0 {
		b.WriteString(m.theme.SessionIdle.Render("No sessions yet."))
	} else {
		start := m.sessionOff
		end := start + l.SessionListH
		if end > len(m.sessions) {
			end = len(m.sessions)
		}
		for i := start; i < end; i++ {
			s := m.sessions[i]
			state, _ := m.dir.State(s.ID)
			glyph := sessionGlyph(state, m.streams.Streaming(s.ID))

			style := m.theme.SessionIdle
			switch {
			case i == m.sessionSel && m.focus == focusSessions:
				style = m.theme.SessionSel
			case state.Pending != nil:
				style = m.theme.SessionAttn
			case m.streams.Streaming(s.ID) || state.Status == app.StatusRunning:
				style = m.theme.SessionLive
			}

			prefix := "  "
			if i == m.sessionSel && m.focus == focusSessions {
				prefix = "> "
			}
			line := prefix + glyph + " " + truncateRunes(oneLine(s.DisplayTitle()), max(12, l.SessW-8))
			b.WriteString(style.Render(line))
			if i != end-1 {
				b.WriteString("\n")
			}
		}
	}
	return box.Width(l.SessW).Height(l.ChatH).Render(b.String())
}

func (m *MainModel) renderPrompt(l layoutInfo) string {
	p := m.pending
	if p == nil {
		return ""
	}
	title := p.Title
	if title == "" {
		title = string(p.Kind)
	}

	var hint string
	switch p.Kind {
	case app.ActionApproval:
		var opts []string
		for i, opt := range p.Options {
			opts = append(opts, m.theme.PromptKey.Render(fmt.Sprintf("%d", i+1))+" "+opt)
		}
		hint = strings.Join(opts, "  ")
		if hint == "" {
			hint = "type a response, " + m.theme.PromptKey.Render("enter") + " sends"
		}
	case app.ActionQuestion:
		hint = "type your answer, " + m.theme.PromptKey.Render("enter") + " sends"
	default:
		hint = m.theme.PromptKey.Render("esc") + " dismiss"
	}

	var b strings.Builder
	b.WriteString(m.theme.PromptTitle.Render(truncateRunes(oneLine(title), max(12, l.ChatW-6))))
	if p.Description != "" {
		b.WriteString("\n")
		b.WriteString(m.theme.PromptBody.Render(truncateRunes(oneLine(p.Description), max(12, l.ChatW-6))))
	}
	b.WriteString("\n")
	b.WriteString(hint)
	return m.theme.PaneFocused.Width(l.ChatW).Render(b.String())
}

func (m *MainModel) renderInputArea(l layoutInfo) string {
	box := m.theme.InputBox
	if m.focus == focusInput {
		box = m.theme.InputBoxF
	}
	return box.Width(max(10, l.ChatW-2)).Render(m.input.View())
}

func (m *MainModel) updateChatViewport() {
	if !m.ready {
		return
	}
	var b strings.Builder
	chatWidth := m.computeLayout().ChatW - 2
	if chatWidth < 20 {
		chatWidth = 20
	}
	for _, msg := range m.messages {
		b.WriteString(m.renderMessage(msg, chatWidth))
		b.WriteString("\n\n")
	}
	m.chatVP.SetContent(strings.TrimRight(b.String(), "\n"))
}

func (m *MainModel) renderMessage(msg app.Message, width int) string {
	var roleStyle lipgloss.Style
	var roleLabel string
	switch msg.Role {
	case app.RoleUser:
		roleStyle = m.theme.RoleYou
		roleLabel = "YOU"
	default:
		roleStyle = m.theme.RoleAI
		roleLabel = "AGENT"
		if strings.HasPrefix(msg.Content, "[error]") {
			roleStyle = m.theme.RoleErr
			roleLabel = "ERR"
		}
	}

	head := roleStyle.Render(roleLabel)
	meta := m.theme.TopBarMeta.Render(msg.CreatedAt.Format("15:04"))
	header := head + " " + meta

	var body string
	if msg.Role == app.RoleAssistant && len(msg.Blocks) > 0 {
		body = m.renderBlocks(msg.Blocks, width)
	} else if msg.Role == app.RoleAssistant {
		body = m.markdown.Render(msg.Content, width)
	} else {
		body = lipgloss.NewStyle().Foreground(m.theme.TextPrimary).Width(width).Render(msg.Content)
	}

	return header + "\n" + body
}

// renderBlocks keeps the interleaving of prose and tool calls the stream
// produced: markdown for text spans, one compact line per tool call with a
// result preview once it lands.
func (m *MainModel) renderBlocks(blocks []app.ContentBlock, width int) string {
	var parts []string
	for _, block := range blocks {
		switch b := block.(type) {
		case app.TextBlock:
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			parts = append(parts, m.markdown.Render(b.Text, width))
		case app.ToolUseBlock:
			style := m.theme.ToolPending
			if b.Call.Done {
				style = m.theme.ToolDone
				if b.Call.IsError {
					style = m.theme.ToolFailed
				}
			}
			line := style.Render(truncateRunes(toolCallLine(b.Call), max(12, width)))
			if preview := toolResultPreview(b.Call, width-4); preview != "" {
				line += "\n" + m.theme.SessionIdle.Render("  "+preview)
			}
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "\n")
}
