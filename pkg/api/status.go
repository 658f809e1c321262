package api

import (
	"github.com/gin-gonic/gin"

	"github.com/telekom/gateway-audit/pkg/apiresponses"
	"github.com/telekom/gateway-audit/pkg/pipeline"
)

// StatusController reports this node's routing state.
type StatusController struct {
	pipeline *pipeline.Pipeline
}

func NewStatusController(p *pipeline.Pipeline) *StatusController {
	return &StatusController{pipeline: p}
}

func (sc *StatusController) BasePath() string { return "status" }

func (sc *StatusController) Handlers() []gin.HandlerFunc { return nil }

func (sc *StatusController) Register(rg *gin.RouterGroup) error {
	rg.GET("", sc.status)
	return nil
}

// Status is this node's view of audit routing.
type Status struct {
	NodeID             string `json:"nodeId"`
	RouterOpen         bool   `json:"routerOpen"`
	SinkConfigured     bool   `json:"sinkConfigured"`
	AlwaysSaveInternal bool   `json:"alwaysSaveInternal"`
	InternalAudit      bool   `json:"internalAudit"`
}

func (sc *StatusController) status(c *gin.Context) {
	sink, fallback := sc.pipeline.Tracker().State()
	apiresponses.RespondOK(c, Status{
		NodeID:             sc.pipeline.NodeID(),
		RouterOpen:         sc.pipeline.Router().IsOpen(),
		SinkConfigured:     sink,
		AlwaysSaveInternal: fallback,
		InternalAudit:      sc.pipeline.Router().IsInternalAuditEnabled(c.Request.Context()),
	})
}
