package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/curator/internal/middleware"
	"github.com/hitoshi/curator/internal/model"
)

// maxRequestBody はリクエストボディの上限バイト数。
const maxRequestBody = 1 << 20

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeItemNotFound, model.ErrCodeQueueItemNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidStatusTransition, model.ErrCodeItemPublished, model.ErrCodeRunInProgress:
		return http.StatusConflict
	case model.ErrCodeContentTooLong, model.ErrCodeInvalidSettings:
		return http.StatusUnprocessableEntity
	case model.ErrCodeInvalidStatus, model.ErrCodeInvalidRequest,
		model.ErrCodeInvalidQueueOrder, model.ErrCodeReasonRequired:
		return http.StatusBadRequest
	case model.ErrCodePublishFailed:
		return http.StatusBadGateway
	case model.ErrCodePublisherDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON はリクエストボディをvにデコードする。
// 空のボディは許容し、vをゼロ値のままにする。
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return model.NewInvalidRequestError("リクエストボディのJSONが不正です")
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	middleware.WriteJSON(w, statusCode, v)
}
