package api

import (
	"fmt"
	"net/http"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

const (
	itemsSheet = "Items"
	splitSheet = "Split"
)

// ReceiptHandler exports the room's items and split as a spreadsheet.
func (a *API) ReceiptHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	snapshot, err := a.registry.Snapshot(r.Context(), roomID)
	if err != nil {
		a.failure(w, err)
		return
	}

	f, err := BuildReceipt(snapshot)
	if err != nil {
		a.logger.Error("Failed to build receipt", zap.String("room_id", roomID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to build receipt")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="receipt-%s.xlsx"`, roomID))
	if err := f.Write(w); err != nil {
		a.logger.Warn("Failed to write receipt", zap.String("room_id", roomID), zap.Error(err))
	}
}

// BuildReceipt lays out one sheet of order lines and one of shares.
// Amounts are in the smallest currency unit.
func BuildReceipt(r *protocol.Room) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", itemsSheet); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.NewSheet(splitSheet); err != nil {
		f.Close()
		return nil, err
	}

	names := make(map[string]string, len(r.Participants))
	for _, p := range r.Participants {
		names[p.ID] = p.DisplayName
		if names[p.ID] == "" {
			names[p.ID] = p.ID
		}
	}

	rows := [][]any{{"Dish", "Type", "Quantity", "Unit price", "Subtotal", "Added by", "Source"}}
	for _, item := range r.Items {
		addedBy := names[item.AddedBy]
		if addedBy == "" {
			addedBy = item.AddedBy
		}
		rows = append(rows, []any{
			item.DishName, item.DishType, item.Quantity, item.UnitPrice, item.Subtotal(), addedBy, string(item.Source),
		})
	}
	rows = append(rows, []any{"Total", "", "", "", r.Total})
	if err := writeRows(f, itemsSheet, rows); err != nil {
		f.Close()
		return nil, err
	}

	rows = [][]any{{"Participant", "Role", "Amount", "Percent", "Items"}}
	for _, p := range r.Participants {
		share := r.Split.Shares[p.ID]
		rows = append(rows, []any{names[p.ID], string(p.Role), share.Amount, share.PercentOfTotal, share.ItemCount})
	}
	rows = append(rows,
		[]any{"Split", string(r.Split.Type)},
		[]any{"Status", string(r.Status)},
	)
	if err := writeRows(f, splitSheet, rows); err != nil {
		f.Close()
		return nil, err
	}

	if err := f.SetColWidth(itemsSheet, "A", "A", 28); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
