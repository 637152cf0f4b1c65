package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/kb"
	"github.com/local/docpipe/internal/processor"
	"github.com/local/docpipe/internal/report"
	"github.com/local/docpipe/internal/store"
)

// registerAdminRoutes exposes the pipeline operations on the ops mux. The
// real user-facing API lives in a separate service; these endpoints exist
// for operators and integration tests.
func registerAdminRoutes(mux *http.ServeMux, st store.Store, proc *processor.Processor, kbsvc *kb.Service, reports *report.Service) {
	mux.HandleFunc("POST /admin/projects", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name  string `json:"name"`
			Owner string `json:"owner"`
		}
		data, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		_ = json.Unmarshal(data, &body)
		if body.Name == "" {
			respond(w, nil, errs.Validation("project name is required"))
			return
		}
		p := store.Project{
			ID:         uuid.NewString(),
			Name:       body.Name,
			Owner:      body.Owner,
			FolderUUID: uuid.NewString(),
			CreatedAt:  time.Now(),
		}
		if err := st.CreateProject(r.Context(), &p); err != nil {
			respond(w, nil, errs.Internal(err, "create project"))
			return
		}
		respond(w, map[string]string{"project_id": p.ID, "folder_uuid": p.FolderUUID}, nil)
	})

	mux.HandleFunc("POST /admin/projects/{id}/documents", func(w http.ResponseWriter, r *http.Request) {
		in := processor.IngestInput{ProjectID: r.PathValue("id")}
		if err := r.ParseMultipartForm(64 << 20); err == nil {
			in.Label = r.FormValue("label")
			in.UploadedBy = r.FormValue("uploaded_by")
			in.SourceURL = r.FormValue("source_url")
			if file, hdr, ferr := r.FormFile("file"); ferr == nil {
				defer file.Close()
				data, rerr := io.ReadAll(file)
				if rerr != nil {
					respond(w, nil, errs.Internal(rerr, "read upload"))
					return
				}
				in.OriginalName = hdr.Filename
				in.Data = data
			}
		}
		doc, err := proc.Ingest(r.Context(), in)
		if err != nil {
			respond(w, nil, err)
			return
		}
		respond(w, map[string]string{"document_id": doc.ID, "name": doc.Name}, nil)
	})

	mux.HandleFunc("GET /admin/projects/{id}/documents", func(w http.ResponseWriter, r *http.Request) {
		docs, err := st.ListDocumentsByProject(r.Context(), r.PathValue("id"))
		respond(w, map[string]any{"documents": docs}, err)
	})

	mux.HandleFunc("GET /admin/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		d, ok, err := st.GetDocument(r.Context(), r.PathValue("id"))
		if err == nil && !ok {
			err = errs.NotFound("document %s not found", r.PathValue("id"))
		}
		respond(w, d, err)
	})

	mux.HandleFunc("POST /admin/documents/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		respond(w, nil, proc.Retry(r.Context(), r.PathValue("id")))
	})

	mux.HandleFunc("DELETE /admin/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		respond(w, nil, proc.Delete(r.Context(), r.PathValue("id")))
	})

	mux.HandleFunc("GET /admin/documents/{id}/preview", func(w http.ResponseWriter, r *http.Request) {
		md, name, err := proc.Preview(r.Context(), r.PathValue("id"))
		respond(w, map[string]string{"name": name, "markdown": md}, err)
	})

	mux.HandleFunc("POST /admin/projects/{id}/rebuild", func(w http.ResponseWriter, r *http.Request) {
		respond(w, nil, kbsvc.RebuildForProject(r.Context(), r.PathValue("id")))
	})

	mux.HandleFunc("DELETE /admin/projects/{id}", func(w http.ResponseWriter, r *http.Request) {
		warnings, err := proc.DeleteProject(r.Context(), r.PathValue("id"))
		respond(w, map[string]any{"warnings": warnings}, err)
	})

	mux.HandleFunc("POST /admin/projects/{id}/report", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Company       string `json:"company"`
			KnowledgeName string `json:"knowledge_name"`
		}
		data, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		_ = json.Unmarshal(data, &body)
		res, err := reports.Generate(r.Context(), r.PathValue("id"), body.Company, body.KnowledgeName)
		respond(w, res, err)
	})
}

// respond maps error kinds to HTTP statuses; the message is the typed
// error's human text, never an upstream trace.
func respond(w http.ResponseWriter, payload any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(statusFor(errs.KindOf(err)))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   string(errs.KindOf(err)),
			"message": errs.Message(err),
		})
		return
	}
	if payload == nil {
		payload = map[string]string{"status": "ok"}
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindPermissionDenied:
		return http.StatusForbidden
	case errs.KindNotReady:
		return http.StatusConflict
	case errs.KindUpstreamUnavailable, errs.KindUpstreamRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
