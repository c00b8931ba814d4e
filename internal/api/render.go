package api

import (
	"encoding/json"
	"net/http"

	"github.com/monad-arcade/scoremw/internal/apperr"
	"github.com/monad-arcade/scoremw/internal/dispatcher"
	"github.com/monad-arcade/scoremw/internal/intake"
	"github.com/monad-arcade/scoremw/internal/jobs"
	"github.com/monad-arcade/scoremw/internal/reply"
)

// writeJSON writes v as an indent-free JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIErr renders a typed apperr.Error in the shape spec §6/§7 requires.
func writeAPIErr(w http.ResponseWriter, err *apperr.Error) {
	body := map[string]interface{}{
		"code":   err.Code,
		"reason": err.Reason,
	}
	if err.Status >= 500 {
		body["error"] = "Transaction failed"
	}
	if err.Window != nil {
		body["window"] = map[string]interface{}{
			"used":     err.Window.Used,
			"incoming": err.Window.Incoming,
			"limit":    err.Window.Limit,
			"seconds":  err.Window.Seconds,
		}
	}
	writeJSON(w, err.Status, body)
}

// renderResult renders the winning reply.Result from a Submission's Arbiter,
// dispatching on Kind per spec §6's endpoint table and §9's tagged-variant
// guidance for the 200-mined vs 202-ack/failsafe shapes.
func renderResult(w http.ResponseWriter, result reply.Result) {
	switch result.Kind {
	case "mined":
		d := result.Data.(dispatcher.MinedData)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":          true,
			"txHash":      d.TxHash.Hex(),
			"blockNumber": d.BlockNumber.Uint64(),
			"status":      d.Status,
			"gasUsed":     d.GasUsed,
			"to":          d.To.Hex(),
			"from":        d.From.Hex(),
			"nonce":       d.Nonce,
		})

	case "ack":
		d := result.Data.(dispatcher.AckData)
		w.Header().Set("X-Job-Id", d.JobID)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"ok":        true,
			"queued":    true,
			"jobId":     d.JobID,
			"statusUrl": "/api/v1/jobs/" + d.JobID,
			"nonce":     d.Nonce,
			"ackMs":     d.AckMs,
		})

	case "failsafe":
		d := result.Data.(intake.FailsafeData)
		w.Header().Set("X-Job-Id", d.JobID)
		// Failsafe fires before send; nonce is not yet known (spec §9 Open
		// Question: preserve the failsafe/ack distinction, omit nonce here).
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"ok":              true,
			"queued":          true,
			"jobId":           d.JobID,
			"statusUrl":       d.StatusURL,
			"approxBatchInMs": d.ApproxBatchInMs,
		})

	case "error":
		switch e := result.Data.(type) {
		case dispatcher.DeniedData:
			writeJSON(w, e.Err.Status, map[string]interface{}{
				"code":   e.Err.Code,
				"reason": e.Err.Reason,
				"window": map[string]interface{}{
					"used":     e.Denial.Used,
					"incoming": e.Denial.Incoming,
					"limit":    e.Denial.Limit,
					"seconds":  int64(e.Denial.Window.Seconds()),
				},
			})
		case *apperr.Error:
			writeAPIErr(w, e)
		default:
			writeAPIErr(w, apperr.New(500, apperr.CodeInternalError, "unrecognized error payload"))
		}

	default:
		writeAPIErr(w, apperr.New(500, apperr.CodeInternalError, "unrecognized reply kind"))
	}
}

// renderJobRecord projects a Job Record to its status-specific shape for
// GET /api/v1/jobs/:id (spec §4.9).
func renderJobRecord(w http.ResponseWriter, rec jobs.Record) {
	body := map[string]interface{}{
		"ok":     true,
		"jobId":  rec.JobID,
		"status": rec.Status,
	}
	if rec.Nonce != nil {
		body["nonce"] = *rec.Nonce
	}
	if rec.TxHash != nil {
		body["txHash"] = rec.TxHash.Hex()
	}
	if rec.Receipt != nil {
		body["blockNumber"] = rec.Receipt.BlockNumber.Uint64()
		body["gasUsed"] = rec.Receipt.GasUsed
		body["txStatus"] = rec.Receipt.Status
	}
	if rec.Code != "" {
		body["code"] = rec.Code
		body["reason"] = rec.Reason
	}
	writeJSON(w, http.StatusOK, body)
}
