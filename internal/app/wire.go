//go:build wireinject

package app

import (
	"time"

	"marginctl/internal/audit"
	"marginctl/internal/broker"
	"marginctl/internal/config"
	"marginctl/internal/configwatch"
	"marginctl/internal/control"
	"marginctl/internal/eventbus"
	"marginctl/internal/httpapi"
	"marginctl/internal/indicators"
	"marginctl/internal/marketdata"
	"marginctl/internal/positions"
	"marginctl/internal/risk"
	"marginctl/internal/symbol"
	"marginctl/internal/trailing"
	"marginctl/internal/volatility"

	"github.com/google/wire"
)

// buildWithWire is a wire injector over the same providers as this
// package's hand-written build, without the OnChange callback that pushes a
// reloaded Snapshot into the risk/scaling/trailing handlers: wire has no way
// to express "call these five setters after construction".
// It is excluded from ordinary compilation by the wireinject build tag, and
// no generate step produces code from it; build() in builder.go is the
// wiring that is compiled and run.
func buildWithWire(cfg *config.Config, configPath string) (*App, error) {
	wire.Build(
		provideTransport,
		broker.New,
		provideBus,
		provideSymbols,
		provideStore,
		provideCache,
		provideIndicatorEngine,
		broker.NewGatewayATRSource,
		provideVolatilityManager,
		provideTrailingManager,
		providePipeline,
		control.New,
		provideLedger,
		provideAdmin,
		provideWatch,
		wire.Struct(new(App), "cfg", "control", "admin", "ledger", "watch"),
	)
	return nil, nil
}

func provideTransport(cfg *config.Config) (*broker.HTTPTransport, error) {
	return broker.NewHTTPTransport(broker.HTTPTransportConfig{
		BaseURL:            cfg.Broker.BaseURL,
		APIToken:           cfg.Broker.APIToken,
		TimeoutSeconds:     cfg.Broker.TimeoutSeconds,
		InsecureSkipVerify: cfg.Broker.InsecureSkipVerify,
	})
}

func provideBus() *eventbus.Bus {
	return eventbus.New()
}

func provideSymbols(cfg *config.Config) *symbol.Registry {
	return symbol.NewRegistry(symbolSpecs(cfg.Symbols))
}

func provideStore(gw *broker.Gateway, bus *eventbus.Bus, cfg *config.Config) *positions.Store {
	return positions.New(gw, bus, positions.Limits{
		MaxTotal:     cfg.Positions.MaxTotal,
		MaxPerSymbol: cfg.Positions.MaxPerSymbol,
		MaxPerGroup:  cfg.Positions.MaxPerGroup,
	})
}

func provideCache(gw *broker.Gateway, symbols *symbol.Registry, cfg *config.Config) *marketdata.Cache {
	return marketdata.New(gw, symbols, time.Duration(cfg.MarketData.MaxAgeMS)*time.Millisecond, cfg.MarketData.OHLCCount)
}

func provideIndicatorEngine(cache *marketdata.Cache, cfg *config.Config) *indicators.Engine {
	return indicators.New(cache, cfg.Indicators)
}

func provideVolatilityManager(source *broker.GatewayATRSource, symbols *symbol.Registry, bus *eventbus.Bus, cfg *config.Config) *volatility.Manager {
	return volatility.New(source, symbols, bus, cfg.Volatility)
}

func provideTrailingManager(gw *broker.Gateway, symbols *symbol.Registry, bus *eventbus.Bus, cfg *config.Config) *trailing.Manager {
	return trailing.New(gw, symbols, bus, cfg.Trailing)
}

func providePipeline(gw *broker.Gateway, symbols *symbol.Registry, bus *eventbus.Bus, cfg *config.Config) *risk.Pipeline {
	return risk.NewPipeline(
		risk.NewMarginProtector(gw, gw, bus, cfg.Risk.Margin),
		risk.NewProfitTargetHandler(gw, bus, cfg.Risk.ProfitTarget),
		risk.NewStagnantPositionHandler(gw, symbols, bus, cfg.Risk.Stagnant),
	)
}

func provideLedger(cfg *config.Config) (*audit.Ledger, error) {
	return audit.Open(cfg.App.AuditDBPath)
}

func provideAdmin(store *positions.Store, gw *broker.Gateway, cfg *config.Config) (*httpapi.Server, error) {
	return httpapi.New(httpapi.Config{Addr: cfg.App.HTTPAddr, Positions: store, Account: gw})
}

// provideWatch returns nil when configPath is empty: wire has no conditional
// provider construct, so the hand-written build() is also where that
// short-circuit actually lives.
func provideWatch(configPath string) (*configwatch.Registry, error) {
	if configPath == "" {
		return nil, nil
	}
	return configwatch.NewRegistry(configPath, "")
}
