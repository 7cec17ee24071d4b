package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/afkbot/afkbot/internal/agent"
	"github.com/afkbot/afkbot/internal/shared"
)

const (
	colorSuccess = 0x00CC66
	colorFailure = 0xCC3333
	colorWarning = 0xFF9900
)

const notifyQueueSize = 32

// DiscordSession abstracts the discordgo.Session methods used by
// DiscordNotifier, enabling mock-based testing without real Discord API calls.
type DiscordSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ApplicationCommandCreate(appID string, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID string, guildID string, cmdID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	State() *discordgo.State
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

func (r *realDiscordSession) Open() error {
	return r.s.Open()
}

func (r *realDiscordSession) Close() error {
	return r.s.Close()
}

func (r *realDiscordSession) ApplicationCommandCreate(appID, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error) {
	return r.s.ApplicationCommandCreate(appID, guildID, cmd, options...)
}

func (r *realDiscordSession) ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error {
	return r.s.ApplicationCommandDelete(appID, guildID, cmdID, options...)
}

func (r *realDiscordSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}

func (r *realDiscordSession) FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.FollowupMessageCreate(interaction, wait, params, options...)
}

func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

func (r *realDiscordSession) State() *discordgo.State {
	return r.s.State
}

// DiscordNotifier posts connection changes to a channel and answers the
// /status and /uptime slash commands.
type DiscordNotifier struct {
	session   DiscordSession
	channelID string
	guildID   string
	source    StatusSource
	history   HistoryStore
	logger    *zap.Logger
	metrics   *Metrics
	dedup     *notifyDedup
	queue     chan *discordgo.MessageEmbed
	now       func() time.Time

	mu            sync.Mutex
	commandIDs    []string
	running       bool
	removeHandler func()
	stop          chan struct{}
	done          chan struct{}
}

// NewDiscordNotifier creates a notifier with a real discordgo session.
// history may be nil.
func NewDiscordNotifier(token, channelID, guildID string, source StatusSource, history HistoryStore, logger *zap.Logger) (*DiscordNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return NewDiscordNotifierWithSession(&realDiscordSession{s: dg}, channelID, guildID, source, history, logger), nil
}

// NewDiscordNotifierWithSession creates a notifier with an injected session (for testing).
func NewDiscordNotifierWithSession(session DiscordSession, channelID, guildID string, source StatusSource, history HistoryStore, logger *zap.Logger) *DiscordNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		guildID:   guildID,
		source:    source,
		history:   history,
		logger:    logger,
		metrics:   GetMetrics(),
		dedup:     newNotifyDedup(notifyDedupSize, notifyDedupTTL),
		queue:     make(chan *discordgo.MessageEmbed, notifyQueueSize),
		now:       time.Now,
	}
}

func slashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "status",
			Description: "Show the bot's connection status",
		},
		{
			Name:        "uptime",
			Description: "Show how long the bot has been connected",
		},
	}
}

// Start opens the session, registers the slash commands and starts the
// sender goroutine.
func (n *DiscordNotifier) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("discord notifier is already running")
	}
	n.mu.Unlock()

	removeHandler := n.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		n.handleInteraction(i)
	})

	if err := n.session.Open(); err != nil {
		removeHandler()
		return fmt.Errorf("open discord session: %w", err)
	}

	appID := n.appID()
	var registeredIDs []string
	for _, cmd := range slashCommands() {
		registered, err := n.session.ApplicationCommandCreate(appID, n.guildID, cmd)
		if err != nil {
			n.logger.Warn("failed to register slash command",
				zap.String("command", cmd.Name),
				zap.Error(err),
			)
			continue
		}
		registeredIDs = append(registeredIDs, registered.ID)
		n.logger.Info("registered slash command", zap.String("command", cmd.Name))
	}

	n.mu.Lock()
	n.commandIDs = registeredIDs
	n.removeHandler = removeHandler
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	n.running = true
	stop, done := n.stop, n.done
	n.mu.Unlock()

	go n.sendLoop(stop, done)
	return nil
}

// Stop deregisters commands, waits for the sender and closes the session.
func (n *DiscordNotifier) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	ids := n.commandIDs
	n.commandIDs = nil
	stop, done := n.stop, n.done
	removeHandler := n.removeHandler
	n.mu.Unlock()

	close(stop)
	<-done

	appID := n.appID()
	for _, id := range ids {
		if err := n.session.ApplicationCommandDelete(appID, n.guildID, id); err != nil {
			n.logger.Warn("failed to delete slash command", zap.String("id", id), zap.Error(err))
		}
	}
	if removeHandler != nil {
		removeHandler()
	}

	if err := n.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (n *DiscordNotifier) appID() string {
	state := n.session.State()
	if state != nil && state.User != nil {
		return state.User.ID
	}
	return ""
}

// OnUpdate turns Joined, Lost and Failed into channel messages. Identical
// disconnects are reported once per dedup window; a join clears the window.
func (n *DiscordNotifier) OnUpdate(u agent.Update) {
	var embed *discordgo.MessageEmbed
	switch u.Event.Type {
	case shared.EventJoined:
		n.dedup.reset()
		embed = connectedEmbed(u, n.now())
	case shared.EventLost, shared.EventFailed:
		if n.dedup.seen(string(u.Event.Type) + ":" + u.Event.Reason) {
			n.metrics.RecordNotification("suppressed")
			return
		}
		embed = disconnectedEmbed(u, n.now())
	default:
		return
	}

	select {
	case n.queue <- embed:
	default:
		n.metrics.RecordNotification("dropped")
		n.logger.Warn("discord queue full, dropping notification", zap.String("event", u.Event.String()))
	}
}

// sendLoop delivers queued embeds until stop closes, then flushes whatever
// is still queued.
func (n *DiscordNotifier) sendLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			for {
				select {
				case embed := <-n.queue:
					n.send(embed)
				default:
					return
				}
			}
		case embed := <-n.queue:
			n.send(embed)
		}
	}
}

func (n *DiscordNotifier) send(embed *discordgo.MessageEmbed) {
	if _, err := n.session.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
		n.metrics.RecordNotification("error")
		n.logger.Warn("failed to send discord notification",
			zap.String("title", embed.Title),
			zap.Error(err),
		)
		return
	}
	n.metrics.RecordNotification("sent")
}

// handleInteraction routes incoming interactions to the appropriate command handler.
func (n *DiscordNotifier) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("panic in interaction handler",
				zap.Any("panic", r),
				zap.String("command", i.ApplicationCommandData().Name),
			)
			_, _ = n.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
				Embeds: []*discordgo.MessageEmbed{errorEmbed("Internal Error", "An unexpected error occurred. Please try again.")},
			})
		}
	}()

	cmdName := i.ApplicationCommandData().Name

	if err := n.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		n.logger.Error("failed to acknowledge interaction", zap.String("command", cmdName), zap.Error(err))
		return
	}

	var embed *discordgo.MessageEmbed
	switch cmdName {
	case "status":
		embed = n.handleStatus()
	case "uptime":
		embed = n.handleUptime()
	default:
		embed = errorEmbed("Unknown Command", fmt.Sprintf("Command `/%s` is not recognized.", cmdName))
	}

	if _, err := n.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}); err != nil {
		n.logger.Error("failed to send followup", zap.String("command", cmdName), zap.Error(err))
	}
}

func (n *DiscordNotifier) handleStatus() *discordgo.MessageEmbed {
	if n.source == nil {
		return errorEmbed("Status Unavailable", "The connection supervisor is not available.")
	}
	st := n.source.Status()
	now := n.now()

	color := colorWarning
	if st.State == agent.StateConnected {
		color = colorSuccess
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "State", Value: st.State.String(), Inline: true},
		{Name: "Server", Value: valueOrDash(st.Endpoint.Address()), Inline: true},
		{Name: "Username", Value: valueOrDash(st.Username), Inline: true},
		{Name: "Attempts", Value: strconv.Itoa(st.Attempts), Inline: true},
		{Name: "Consecutive Failures", Value: strconv.Itoa(st.ConsecutiveFailures), Inline: true},
	}
	if st.State == agent.StateConnected {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Uptime", Value: formatDuration(st.Uptime(now)), Inline: true})
	}
	if st.State == agent.StateAwaitingRetry && !st.RetryAt.IsZero() {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Next Attempt", Value: "in " + formatDuration(st.RetryAt.Sub(now)), Inline: true})
	}

	reason := st.LastDisconnectReason
	if n.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rec, ok, err := n.history.LastDisconnect(ctx)
		cancel()
		if err != nil {
			n.logger.Warn("failed to read last disconnect", zap.Error(err))
		} else if ok {
			when := rec.OccurredAt.UTC().Format("2006-01-02 15:04:05")
			reason = fmt.Sprintf("%s (%s at %s UTC)", valueOrDash(rec.Reason), rec.EventType, when)
		}
	}
	fields = append(fields, &discordgo.MessageEmbedField{Name: "Last Disconnect", Value: valueOrDash(reason)})

	return &discordgo.MessageEmbed{
		Title:     "Bot Status",
		Color:     color,
		Fields:    fields,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

func (n *DiscordNotifier) handleUptime() *discordgo.MessageEmbed {
	if n.source == nil {
		return errorEmbed("Uptime Unavailable", "The connection supervisor is not available.")
	}
	st := n.source.Status()
	now := n.now()

	if st.State != agent.StateConnected {
		return &discordgo.MessageEmbed{
			Title:       "Uptime",
			Description: fmt.Sprintf("Not connected (%s for %s).", st.State, formatDuration(now.Sub(st.Since))),
			Color:       colorWarning,
			Timestamp:   now.UTC().Format(time.RFC3339),
		}
	}
	return &discordgo.MessageEmbed{
		Title:       "Uptime",
		Description: fmt.Sprintf("Connected for **%s**.", formatDuration(st.Uptime(now))),
		Color:       colorSuccess,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
}

func connectedEmbed(u agent.Update, now time.Time) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Bot Connected",
		Description: fmt.Sprintf("**%s** joined `%s`.", u.Status.Username, u.Status.Endpoint.Address()),
		Color:       colorSuccess,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Attempts", Value: strconv.Itoa(u.Status.Attempts), Inline: true},
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

func disconnectedEmbed(u agent.Update, now time.Time) *discordgo.MessageEmbed {
	title, color := "Bot Disconnected", colorFailure
	if u.Event.Type == shared.EventFailed {
		title, color = "Connection Failed", colorWarning
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: fmt.Sprintf("Reason: %s", valueOrDash(u.Event.Reason)),
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Retry In", Value: formatDuration(u.Delay), Inline: true},
			{Name: "Consecutive Failures", Value: strconv.Itoa(u.Status.ConsecutiveFailures), Inline: true},
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// errorEmbed creates a red error embed with a safe message.
func errorEmbed(title, description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       colorFailure,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// valueOrDash returns the value or "-" if empty.
func valueOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

var _ agent.Observer = (*DiscordNotifier)(nil)
