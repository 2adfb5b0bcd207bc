package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quantcore/internal/logger"
	"quantcore/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const maxKlinesPerRequest = 1500

// Config 控制 REST 访问方式。
type Config struct {
	RESTBaseURL  string
	HTTPTimeout  time.Duration
	ProxyEnabled bool
	RESTProxyURL string
	// PageDelay 为分页请求间的最小间隔，避免触发限频。
	PageDelay time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RESTBaseURL) == "" {
		c.RESTBaseURL = "https://fapi.binance.com"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.PageDelay <= 0 {
		c.PageDelay = 250 * time.Millisecond
	}
	return c
}

// Source 基于 go-binance SDK 拉取 USDT 合约历史 K 线，实现 market.Source。
// 只做历史数据读取，不具备任何交易能力。
type Source struct {
	cfg    Config
	client *futures.Client
	log    logger.Scoped

	requests atomic.Int64
	candles  atomic.Int64

	mu      sync.Mutex
	lastErr string
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{
		cfg:    final,
		client: client,
		log:    logger.Scope("binance"),
	}, nil
}

// FetchRange 分页拉取 [start, end] 内的全部已收盘 K 线。
func (s *Source) FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	symbol = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval 不能为空")
	}
	if start <= 0 || end <= 0 || end < start {
		return nil, fmt.Errorf("start/end 非法: %d..%d", start, end)
	}
	tf, err := market.ParseTimeframe(interval)
	if err != nil {
		return nil, err
	}
	step := tf.DurationMillis()

	var out []market.Candle
	cursor := start
	for cursor <= end {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		svc := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(tf.SourceInterval).
			StartTime(cursor).
			EndTime(end).
			Limit(maxKlinesPerRequest)
		kls, err := svc.Do(ctx)
		s.requests.Add(1)
		if err != nil {
			s.recordError(err)
			return nil, fmt.Errorf("binance klines %s %s: %w", symbol, interval, err)
		}
		if len(kls) == 0 {
			break
		}
		nowMs := time.Now().UnixMilli()
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			// 丢弃仍在走的最后一根
			if kl.CloseTime >= nowMs {
				continue
			}
			out = append(out, market.Candle{
				OpenTime:  kl.OpenTime,
				CloseTime: kl.CloseTime,
				Open:      parseFloat(kl.Open),
				High:      parseFloat(kl.High),
				Low:       parseFloat(kl.Low),
				Close:     parseFloat(kl.Close),
				Volume:    parseFloat(kl.Volume),
				Trades:    kl.TradeNum,
			})
		}
		s.candles.Add(int64(len(kls)))
		last := kls[len(kls)-1].OpenTime
		next := last + step
		if next <= cursor {
			break
		}
		cursor = next
		if len(kls) < maxKlinesPerRequest {
			break
		}
		if err := sleepCtx(ctx, s.cfg.PageDelay); err != nil {
			return nil, err
		}
	}
	s.log.Debugf("fetched %d candles %s %s (%d..%d)", len(out), symbol, interval, start, end)
	return out, nil
}

// Stats 返回调用统计快照。
func (s *Source) Stats() market.SourceStats {
	s.mu.Lock()
	lastErr := s.lastErr
	s.mu.Unlock()
	return market.SourceStats{
		Requests:  s.requests.Load(),
		Candles:   s.candles.Load(),
		LastError: lastErr,
	}
}

func (s *Source) recordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func parseFloat(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
