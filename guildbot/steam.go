package guildbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// steamMaxResponseSize bounds how much of the storefront response is
// read (4 MiB).
const steamMaxResponseSize = 4 << 20

var (
	steamRowPattern      = regexp.MustCompile(`(?s)<a[^>]+class="[^"]*search_result_row[^"]*"[^>]*>.*?</a>`)
	steamAppIDPattern    = regexp.MustCompile(`data-ds-appid="(\d+)"`)
	steamTitlePattern    = regexp.MustCompile(`<span class="title">([^<]+)</span>`)
	steamDiscountPattern = regexp.MustCompile(`discount_pct">-(\d+)%`)
	steamPricePattern    = regexp.MustCompile(`discount_final_price">\s*([^<]+?)\s*</div>`)
)

// AnnouncedDeal records a Steam special that has already been posted,
// so restarts and repeated polls don't re-announce it.
type AnnouncedDeal struct {
	ModelUintID
	ModelUnixTime

	AppID           string `json:"app_id" gorm:"uniqueIndex;not null"`
	Title           string `json:"title" gorm:"not null"`
	DiscountPercent int    `json:"discount_percent"`
	FinalPrice      string `json:"final_price" gorm:"type:string"`
}

// SteamDeal is a discounted title parsed from the storefront specials
// page.
type SteamDeal struct {
	AppID           string
	Title           string
	DiscountPercent int
	FinalPrice      string
}

// parseSteamSpecials extracts discounted titles from the storefront
// search results markup. Rows missing an app ID, title or discount are
// skipped.
func parseSteamSpecials(body []byte) []SteamDeal {
	rows := steamRowPattern.FindAll(body, -1)
	deals := make([]SteamDeal, 0, len(rows))
	for _, row := range rows {
		appID := steamAppIDPattern.FindSubmatch(row)
		title := steamTitlePattern.FindSubmatch(row)
		discount := steamDiscountPattern.FindSubmatch(row)
		if appID == nil || title == nil || discount == nil {
			continue
		}
		pct, err := strconv.Atoi(string(discount[1]))
		if err != nil || pct <= 0 {
			continue
		}
		deal := SteamDeal{
			AppID:           string(appID[1]),
			Title:           strings.TrimSpace(string(title[1])),
			DiscountPercent: pct,
		}
		if price := steamPricePattern.FindSubmatch(row); price != nil {
			deal.FinalPrice = strings.TrimSpace(string(price[1]))
		}
		deals = append(deals, deal)
	}
	return deals
}

// SteamPoller periodically fetches the storefront specials page and
// announces deals that haven't been posted before.
type SteamPoller struct {
	config *SteamConfig
	b      *GuildBot
}

func newSteamPoller(config *SteamConfig, b *GuildBot) *SteamPoller {
	return &SteamPoller{config: config, b: b}
}

// watch polls for new specials until the context is canceled.
func (s *SteamPoller) watch(ctx context.Context) {
	if !s.config.Enabled || s.config.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *SteamPoller) poll(ctx context.Context) {
	logger := s.b.logger.With(loggerNameKey, "steam_poller")

	config := s.b.RuntimeConfig()
	if config.SteamDealsChannelID == "" {
		return
	}

	deals, err := s.fetchSpecials(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching steam specials", tint.Err(err))
		return
	}

	for _, deal := range deals {
		announced, checkErr := s.alreadyAnnounced(ctx, deal.AppID)
		if checkErr != nil {
			logger.ErrorContext(
				ctx,
				"error checking announced deal",
				"app_id", deal.AppID,
				tint.Err(checkErr),
			)
			continue
		}
		if announced {
			continue
		}
		s.announce(ctx, logger, deal, config.SteamDealsChannelID)
	}
}

func (s *SteamPoller) fetchSpecials(ctx context.Context) ([]SteamDeal, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, s.config.StoreURL, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	rv, err := s.b.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching specials: %w", err)
	}
	defer func() {
		_ = rv.Body.Close()
	}()
	if rv.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error fetching specials: status %d", rv.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(rv.Body, steamMaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("error reading specials: %w", err)
	}
	return parseSteamSpecials(body), nil
}

func (s *SteamPoller) alreadyAnnounced(ctx context.Context, appID string) (bool, error) {
	var existing AnnouncedDeal
	err := s.b.db.WithContext(ctx).Where(
		"app_id = ?", appID,
	).First(&existing).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

func (s *SteamPoller) announce(
	ctx context.Context,
	logger *slog.Logger,
	deal SteamDeal,
	channelID string,
) {
	record := &AnnouncedDeal{
		AppID:           deal.AppID,
		Title:           deal.Title,
		DiscountPercent: deal.DiscountPercent,
		FinalPrice:      deal.FinalPrice,
	}
	if _, err := s.b.writeDB.Create(ctx, record); err != nil {
		logger.ErrorContext(ctx, "error recording announced deal", tint.Err(err))
		return
	}

	content := fmt.Sprintf(
		"**%s** is %d%% off",
		deal.Title,
		deal.DiscountPercent,
	)
	if deal.FinalPrice != "" {
		content += fmt.Sprintf(" (now %s)", deal.FinalPrice)
	}
	content += fmt.Sprintf("\nhttps://store.steampowered.com/app/%s/", deal.AppID)

	if err := s.b.discord.channelMessageSend(channelID, content); err != nil {
		logger.ErrorContext(ctx, "error announcing deal", tint.Err(err))
	}
}
