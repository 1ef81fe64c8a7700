package guildbot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const steamSpecialsPage = `<html><body>
<div id="search_resultsRows">
<a href="https://store.steampowered.com/app/12345/" class="search_result_row ds_collapse_flag" data-ds-appid="12345">
  <span class="title">Space Miner Deluxe</span>
  <div class="discount_pct">-75%</div>
  <div class="discount_final_price">$4.99</div>
</a>
<a href="https://store.steampowered.com/app/67890/" class="search_result_row ds_collapse_flag" data-ds-appid="67890">
  <span class="title">Dungeon Crawler II</span>
  <div class="discount_pct">-50%</div>
  <div class="discount_final_price">
    9,99&euro;
  </div>
</a>
<a href="https://store.steampowered.com/app/11111/" class="search_result_row ds_collapse_flag" data-ds-appid="11111">
  <span class="title">Full Price Game</span>
</a>
<a href="https://store.steampowered.com/bundle/999/" class="search_result_row ds_collapse_flag">
  <span class="title">No AppID Bundle</span>
  <div class="discount_pct">-30%</div>
</a>
</div>
</body></html>`

func TestParseSteamSpecials(t *testing.T) {
	t.Parallel()

	deals := parseSteamSpecials([]byte(steamSpecialsPage))
	require.Len(t, deals, 2)

	assert.Equal(t, "12345", deals[0].AppID)
	assert.Equal(t, "Space Miner Deluxe", deals[0].Title)
	assert.Equal(t, 75, deals[0].DiscountPercent)
	assert.Equal(t, "$4.99", deals[0].FinalPrice)

	assert.Equal(t, "67890", deals[1].AppID)
	assert.Equal(t, "Dungeon Crawler II", deals[1].Title)
	assert.Equal(t, 50, deals[1].DiscountPercent)
	assert.Equal(t, "9,99&euro;", deals[1].FinalPrice)
}

func TestParseSteamSpecialsEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, parseSteamSpecials(nil))
	assert.Empty(t, parseSteamSpecials([]byte("<html><body></body></html>")))
}
