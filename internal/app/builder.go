package app

import (
	"strings"
	"time"

	"marginctl/internal/audit"
	"marginctl/internal/broker"
	"marginctl/internal/config"
	"marginctl/internal/configwatch"
	"marginctl/internal/control"
	"marginctl/internal/eventbus"
	"marginctl/internal/httpapi"
	"marginctl/internal/indicators"
	"marginctl/internal/logger"
	"marginctl/internal/marketdata"
	"marginctl/internal/positions"
	"marginctl/internal/risk"
	"marginctl/internal/symbol"
	"marginctl/internal/trailing"
	"marginctl/internal/volatility"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 500 * time.Millisecond
)

// build assembles every component from cfg and wires the Controller's event
// and risk dependencies, following the same fixed construction order the
// control loop itself ticks in: transport, gateway, bus, store, caches,
// indicator/volatility/trailing managers, the risk pipeline, the
// controller, and finally the ambient audit ledger and admin HTTP server.
func build(cfg *config.Config, configPath string) (*App, error) {
	transport, err := broker.NewHTTPTransport(broker.HTTPTransportConfig{
		BaseURL:            cfg.Broker.BaseURL,
		APIToken:           cfg.Broker.APIToken,
		TimeoutSeconds:     cfg.Broker.TimeoutSeconds,
		InsecureSkipVerify: cfg.Broker.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	gateway := broker.New(transport, broker.WithRetry(defaultRetryAttempts, defaultRetryBackoff))

	bus := eventbus.New()
	symbols := symbol.NewRegistry(symbolSpecs(cfg.Symbols))

	store := positions.New(gateway, bus, positions.Limits{
		MaxTotal:     cfg.Positions.MaxTotal,
		MaxPerSymbol: cfg.Positions.MaxPerSymbol,
		MaxPerGroup:  cfg.Positions.MaxPerGroup,
	})

	cache := marketdata.New(gateway, symbols, time.Duration(cfg.MarketData.MaxAgeMS)*time.Millisecond, cfg.MarketData.OHLCCount)
	indicatorEngine := indicators.New(cache, cfg.Indicators)
	atrSource := broker.NewGatewayATRSource(gateway)
	volatilityMgr := volatility.New(atrSource, symbols, bus, cfg.Volatility)
	trailingMgr := trailing.New(gateway, symbols, bus, cfg.Trailing)

	marginHandler := risk.NewMarginProtector(gateway, gateway, bus, cfg.Risk.Margin)
	profitHandler := risk.NewProfitTargetHandler(gateway, bus, cfg.Risk.ProfitTarget)
	stagnantHandler := risk.NewStagnantPositionHandler(gateway, symbols, bus, cfg.Risk.Stagnant)
	pipeline := risk.NewPipeline(marginHandler, profitHandler, stagnantHandler)

	controller := control.New(gateway, cache, store, indicatorEngine, volatilityMgr, trailingMgr, pipeline, symbols, bus, cfg)

	ledger, err := audit.Open(cfg.App.AuditDBPath)
	if err != nil {
		return nil, err
	}
	ledger.ListenOn(bus)

	admin, err := httpapi.New(httpapi.Config{
		Addr:      cfg.App.HTTPAddr,
		Positions: store,
		Account:   gateway,
	})
	if err != nil {
		ledger.Close()
		return nil, err
	}

	var watch *configwatch.Registry
	if strings.TrimSpace(configPath) != "" {
		watch, err = configwatch.NewRegistry(configPath, "")
		if err != nil {
			ledger.Close()
			return nil, err
		}
		watch.OnChange(func(snap configwatch.Snapshot) {
			marginHandler.UpdateConfig(snap.Risk.Margin)
			profitHandler.UpdateConfig(snap.Risk.ProfitTarget)
			stagnantHandler.UpdateConfig(snap.Risk.Stagnant)
			trailingMgr.UpdateConfig(snap.Trailing)
			controller.Scaling().UpdateConfig(snap.Scaling)
			logger.Infof("app: applied hot-reloaded risk/scaling/trailing config version=%d", snap.Version)
		})
	}

	return &App{
		cfg:     cfg,
		control: controller,
		admin:   admin,
		ledger:  ledger,
		watch:   watch,
	}, nil
}

func symbolSpecs(cfgSymbols []config.SymbolConfig) []symbol.Spec {
	specs := make([]symbol.Spec, len(cfgSymbols))
	for i, s := range cfgSymbols {
		specs[i] = symbol.Spec{
			Name:            s.Name,
			PipScale:        s.PipScale,
			PricePrecision:  s.PricePrecision,
			VolumePrecision: s.VolumePrecision,
		}
	}
	return specs
}
