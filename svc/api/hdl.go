package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"takobin/cfg"
	"takobin/pkg/domain"
	"takobin/svc/svc"
	"takobin/svc/util"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	Language    string `json:"language,omitempty"`
	Password    string `json:"password,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
	Kind        string `json:"kind,omitempty"`
	ExpiryDays  int    `json:"expiry_days,omitempty"`
	NeverExpire bool   `json:"never_expire,omitempty"`
}

type UpdateReq struct {
	Title          *string `json:"title,omitempty"`
	Content        *string `json:"content,omitempty"`
	Language       *string `json:"language,omitempty"`
	Visibility     *string `json:"visibility,omitempty"`
	Kind           *string `json:"kind,omitempty"`
	Password       *string `json:"password,omitempty"`
	RemovePassword bool    `json:"remove_password,omitempty"`
	ExpiryDays     *int    `json:"expiry_days,omitempty"`
	NeverExpire    bool    `json:"never_expire,omitempty"`
}

type DeletedResp struct {
	Deleted int64 `json:"deleted"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	var req CreateReq
	if !decodeJSON(w, r, &req, h.cfg.MaxPasteSize*2) {
		return
	}

	params := domain.CreateParams{
		Title:       sanitizeText(req.Title),
		Content:     sanitizeText(req.Content),
		Language:    strings.TrimSpace(req.Language),
		Password:    req.Password,
		Visibility:  domain.Visibility(req.Visibility),
		Kind:        domain.Kind(req.Kind),
		ExpiryDays:  req.ExpiryDays,
		NeverExpire: req.NeverExpire,
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("create paste failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Str("visibility", string(paste.Visibility)).
		Bool("password_protected", paste.IsProtected).
		Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(paste.FullView())
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	password := pastePassword(r)

	view, err := h.paste.Get(r.Context(), id, password)
	if err != nil {
		log.Warn().Err(err).Str("paste_id", id).
			Str("client_ip", util.RedactIP(r.RemoteAddr)).
			Msg("get paste failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(view)
}

func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	var req UpdateReq
	if !decodeJSON(w, r, &req, h.cfg.MaxPasteSize*2) {
		return
	}

	params := domain.UpdateParams{
		RemovePassword: req.RemovePassword,
		ExpiryDays:     req.ExpiryDays,
		NeverExpire:    req.NeverExpire,
		Password:       req.Password,
	}
	if req.Title != nil {
		t := sanitizeText(*req.Title)
		params.Title = &t
	}
	if req.Content != nil {
		c := sanitizeText(*req.Content)
		params.Content = &c
	}
	if req.Language != nil {
		l := strings.TrimSpace(*req.Language)
		params.Language = &l
	}
	if req.Visibility != nil {
		v := domain.Visibility(*req.Visibility)
		params.Visibility = &v
	}
	if req.Kind != nil {
		k := domain.Kind(*req.Kind)
		params.Kind = &k
	}

	view, err := h.paste.Update(r.Context(), id, params)
	if err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("update paste failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().Str("paste_id", id).Msg("paste updated")
	json.NewEncoder(w).Encode(view)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.paste.Delete(r.Context(), id); err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("delete paste failed")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hdl) ListMyPastes(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	pageResp, err := h.paste.ListForUser(r.Context(), page, limit)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(pageResp)
}

func (h *Hdl) DeleteMyPastes(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	deleted, err := h.paste.DeleteAllForUser(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("bulk delete failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(DeletedResp{Deleted: deleted})
}

// decodeJSON enforces content type and size before decoding. Returns false
// after writing the error response.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) bool {
	requestID := util.GetRequestID(r.Context())
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(domain.ToResp(domain.ErrInvalidRequest))
		return false
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			util.Warn().Str("request_id", requestID).Msg("empty request body")
		} else {
			util.Warn().Err(err).Str("request_id", requestID).Msg("invalid request body")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	return true
}

func pastePassword(r *http.Request) string {
	if pw := r.Header.Get("X-Paste-Password"); pw != "" {
		return pw
	}
	return r.URL.Query().Get("password")
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	status := domain.Status(err)
	resp := domain.ToResp(err)
	if status >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
		resp = domain.ToResp(domain.ErrInternalServer)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// sanitizeText normalizes to NFC and strips control characters other than
// whitespace. Content is stored verbatim otherwise; escaping is the
// renderer's job.
func sanitizeText(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
