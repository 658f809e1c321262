package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/apiresponses"
	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/audit/cluster"
	"github.com/telekom/gateway-audit/pkg/pipeline"
	"github.com/telekom/gateway-audit/pkg/properties"
	"github.com/telekom/gateway-audit/pkg/system"
)

// Admin record actions, in the single-letter form of the legacy schema.
const (
	actionUpdate = "U"
	actionDelete = "D"
	actionReplay = "R"
)

// PropertyController manages cluster properties. Writes go to the shared
// store; every node narrates the resulting transitions from its watch.
type PropertyController struct {
	props    properties.Store
	pipeline *pipeline.Pipeline
	log      *zap.SugaredLogger
}

func NewPropertyController(props properties.Store, p *pipeline.Pipeline, log *zap.SugaredLogger) *PropertyController {
	return &PropertyController{props: props, pipeline: p, log: log}
}

func (pc *PropertyController) BasePath() string { return "properties" }

func (pc *PropertyController) Handlers() []gin.HandlerFunc { return nil }

func (pc *PropertyController) Register(rg *gin.RouterGroup) error {
	rg.GET("", pc.list)
	rg.GET("/:name", pc.get)
	rg.PUT("/:name", pc.set)
	rg.DELETE("/:name", pc.delete)
	return nil
}

// Property is the JSON form of one property.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	// Tracked marks the properties that drive audit routing
	Tracked bool `json:"tracked"`
}

func (pc *PropertyController) list(c *gin.Context) {
	values, err := pc.props.List(c.Request.Context())
	if err != nil {
		apiresponses.RespondInternalError(c, "list properties", err, system.GetReqLogger(c, pc.log))
		return
	}
	apiresponses.RespondOK(c, values)
}

func (pc *PropertyController) get(c *gin.Context) {
	name := c.Param("name")
	value, found, err := pc.props.Get(c.Request.Context(), name)
	if err != nil {
		apiresponses.RespondInternalError(c, "read property", err, system.GetReqLogger(c, pc.log))
		return
	}
	if !found {
		apiresponses.RespondNotFound(c, "property", name)
		return
	}
	apiresponses.RespondOK(c, Property{Name: name, Value: value, Tracked: cluster.Tracked(name)})
}

func (pc *PropertyController) set(c *gin.Context) {
	log := system.GetReqLogger(c, pc.log)
	name := c.Param("name")
	var body struct {
		Value *string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Value == nil {
		apiresponses.RespondBadRequest(c, "request body must be {\"value\": \"...\"}")
		return
	}
	if err := pc.props.Set(c.Request.Context(), name, *body.Value); err != nil {
		apiresponses.RespondInternalError(c, "write property", err, log)
		return
	}
	log.Infow("Property updated", "property", name)
	pc.audit(c, name, actionUpdate, fmt.Sprintf("Property %s set", name))
	c.JSON(http.StatusOK, Property{Name: name, Value: *body.Value, Tracked: cluster.Tracked(name)})
}

func (pc *PropertyController) delete(c *gin.Context) {
	log := system.GetReqLogger(c, pc.log)
	name := c.Param("name")
	if err := pc.props.Delete(c.Request.Context(), name); err != nil {
		apiresponses.RespondInternalError(c, "delete property", err, log)
		return
	}
	log.Infow("Property deleted", "property", name)
	pc.audit(c, name, actionDelete, fmt.Sprintf("Property %s deleted", name))
	apiresponses.RespondNoContent(c)
}

func (pc *PropertyController) audit(c *gin.Context, name, action, message string) {
	if pc.pipeline == nil {
		return
	}
	rec := audit.NewAdminRecord(pc.pipeline.NodeID(), audit.LevelInfo, "properties", message, audit.AdminFields{
		EntityClass: audit.String("property"),
		EntityID:    name,
		Action:      action,
	})
	rec.IPAddress = c.ClientIP()
	pc.pipeline.Finish(c.Request.Context(), nil, rec, nil, nil)
}
