package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/apiresponses"
	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/pipeline"
	"github.com/telekom/gateway-audit/pkg/store"
	"github.com/telekom/gateway-audit/pkg/system"
)

// SinkController reports sink health and replays stored records to a sink,
// e.g. to backfill a SIEM after an outage during which records fell back to
// internal storage.
type SinkController struct {
	sinks    *audit.SinkRegistry
	store    store.RecordStore
	pipeline *pipeline.Pipeline
	log      *zap.SugaredLogger
}

func NewSinkController(sinks *audit.SinkRegistry, st store.RecordStore, p *pipeline.Pipeline, log *zap.SugaredLogger) *SinkController {
	return &SinkController{sinks: sinks, store: st, pipeline: p, log: log}
}

func (sc *SinkController) BasePath() string { return "sinks" }

func (sc *SinkController) Handlers() []gin.HandlerFunc { return nil }

func (sc *SinkController) Register(rg *gin.RouterGroup) error {
	rg.GET("", sc.health)
	rg.POST("/:name/replay", sc.replay)
	return nil
}

func (sc *SinkController) health(c *gin.Context) {
	apiresponses.RespondOK(c, sc.sinks.Health())
}

func (sc *SinkController) replay(c *gin.Context) {
	log := system.GetReqLogger(c, sc.log)
	name := c.Param("name")
	sink, ok := sc.sinks.Get(name)
	if !ok {
		apiresponses.RespondNotFound(c, "sink", name)
		return
	}
	crit, err := criteriaFromQuery(c)
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}
	recs, err := sc.store.Find(c.Request.Context(), crit)
	if err != nil {
		apiresponses.RespondInternalError(c, "search audit records", err, log)
		return
	}

	delivered, err := audit.WriteAll(c.Request.Context(), sink, recs)
	log.Infow("Replayed audit records", "sink", name, "records", len(recs), "delivered", delivered, "error", err)
	if sc.pipeline != nil {
		rec := audit.NewAdminRecord(sc.pipeline.NodeID(), audit.LevelInfo, "sinks",
			fmt.Sprintf("Replayed %d of %d records to sink %s", delivered, len(recs), name),
			audit.AdminFields{EntityClass: audit.String("sink"), EntityID: name, Action: actionReplay})
		rec.IPAddress = c.ClientIP()
		sc.pipeline.Finish(c.Request.Context(), nil, rec, nil, nil)
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"delivered": delivered, "total": len(recs), "error": err.Error()})
		return
	}
	apiresponses.RespondOK(c, gin.H{"delivered": delivered, "total": len(recs)})
}
