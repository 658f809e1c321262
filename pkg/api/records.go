package api

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/apiresponses"
	"github.com/telekom/gateway-audit/pkg/audit/signer"
	"github.com/telekom/gateway-audit/pkg/export"
	"github.com/telekom/gateway-audit/pkg/store"
	"github.com/telekom/gateway-audit/pkg/system"
)

// maxArchiveSize bounds uploaded export archives.
const maxArchiveSize = 64 << 20

// RecordController serves internal audit storage.
type RecordController struct {
	store  store.RecordStore
	signer *signer.Signer
	nodeID string
	log    *zap.SugaredLogger
}

// NewRecordController creates the controller. s may be nil when signing is
// disabled; verification and signed exports are then unavailable.
func NewRecordController(st store.RecordStore, s *signer.Signer, nodeID string, log *zap.SugaredLogger) *RecordController {
	return &RecordController{store: st, signer: s, nodeID: nodeID, log: log}
}

func (rc *RecordController) BasePath() string { return "records" }

func (rc *RecordController) Handlers() []gin.HandlerFunc { return nil }

func (rc *RecordController) Register(rg *gin.RouterGroup) error {
	rg.GET("", rc.find)
	rg.GET("/export", rc.export)
	rg.POST("/export/verify", rc.verifyExport)
	rg.GET("/:id", rc.get)
	rg.GET("/:id/verify", rc.verify)
	return nil
}

func (rc *RecordController) certificate() *x509.Certificate {
	if rc.signer == nil {
		return nil
	}
	return rc.signer.Certificate()
}

func (rc *RecordController) find(c *gin.Context) {
	log := system.GetReqLogger(c, rc.log)
	crit, err := criteriaFromQuery(c)
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}
	recs, err := rc.store.Find(c.Request.Context(), crit)
	if err != nil {
		apiresponses.RespondInternalError(c, "search audit records", err, log)
		return
	}
	apiresponses.RespondOK(c, gin.H{"records": recs, "count": len(recs)})
}

func (rc *RecordController) get(c *gin.Context) {
	id := c.Param("id")
	rec, err := rc.store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		apiresponses.RespondNotFound(c, "audit record", id)
		return
	}
	if err != nil {
		apiresponses.RespondInternalError(c, "load audit record", err, system.GetReqLogger(c, rc.log))
		return
	}
	apiresponses.RespondOK(c, rec)
}

// VerifyResult is the body of a record verification.
type VerifyResult struct {
	ID        string           `json:"id"`
	Algorithm signer.Algorithm `json:"algorithm"`
	Valid     bool             `json:"valid"`
	Error     string           `json:"error,omitempty"`
}

func (rc *RecordController) verify(c *gin.Context) {
	log := system.GetReqLogger(c, rc.log)
	cert := rc.certificate()
	if cert == nil {
		apiresponses.RespondServiceUnavailable(c, "record signing is not configured")
		return
	}
	alg, err := signer.ParseAlgorithm(c.Query("algorithm"))
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}

	id := c.Param("id")
	rec, err := rc.store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		apiresponses.RespondNotFound(c, "audit record", id)
		return
	}
	if err != nil {
		apiresponses.RespondInternalError(c, "load audit record", err, log)
		return
	}
	if len(rec.Signature) == 0 {
		apiresponses.RespondUnprocessableEntity(c, "audit record is not signed", id)
		return
	}

	res := VerifyResult{ID: id, Algorithm: alg}
	res.Valid, err = signer.VerifyRecord(rec, alg, cert)
	if err != nil {
		res.Error = err.Error()
	}
	log.Infow("Verified audit record", append(system.RecordFields(id, rec.NodeID), "algorithm", alg, "valid", res.Valid)...)
	apiresponses.RespondOK(c, res)
}

func (rc *RecordController) export(c *gin.Context) {
	log := system.GetReqLogger(c, rc.log)
	crit, err := criteriaFromQuery(c)
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}
	recs, err := rc.store.Find(c.Request.Context(), crit)
	if err != nil {
		apiresponses.RespondInternalError(c, "search audit records", err, log)
		return
	}

	var buf bytes.Buffer
	m, err := export.Write(&buf, rc.nodeID, recs, rc.signer)
	if err != nil {
		apiresponses.RespondInternalError(c, "write audit export", err, log)
		return
	}
	log.Infow("Exported audit records", "records", m.Records, "signed", m.Signature != "")

	name := fmt.Sprintf("audit-%s-%s.zip", rc.nodeID, m.Created.Format("20060102T150405Z"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("X-Audit-Export-SHA256", m.SHA256)
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

func (rc *RecordController) verifyExport(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxArchiveSize+1))
	if err != nil {
		apiresponses.RespondBadRequest(c, "reading archive: "+err.Error())
		return
	}
	if len(body) > maxArchiveSize {
		apiresponses.RespondBadRequest(c, "archive too large")
		return
	}
	m, err := export.Verify(bytes.NewReader(body), int64(len(body)), rc.certificate())
	if err != nil {
		apiresponses.RespondUnprocessableEntity(c, "export archive failed verification", err.Error())
		return
	}
	apiresponses.RespondOK(c, gin.H{"valid": true, "manifest": m, "checked": time.Now().UTC()})
}
