// internal/lifecycle/loans.go
package lifecycle

import (
	"context"
	"fmt"
	"strings"
)

func (t *tx) openLoan(id string) (LoanRecord, error) {
	i := indexLoan(t.loans, id)
	if i < 0 {
		return LoanRecord{}, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	loan := t.loans[i]
	if loan.Status.Terminal() {
		return LoanRecord{}, fmt.Errorf("loan %s is %s: %w", id, loan.Status, ErrLoanClosed)
	}
	return loan, nil
}

// distinct trims codes and drops blanks and repeats, keeping the first occurrence.
func distinct(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (r *repository) RegisterFieldVisit(ctx context.Context, in FieldVisit) (LoanRecord, error) {
	if strings.TrimSpace(in.Client) == "" {
		return LoanRecord{}, fmt.Errorf("%w: client is required", ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	scheduled := t.now
	if in.ScheduledAt != nil {
		scheduled = *in.ScheduledAt
	}
	loan := LoanRecord{
		ID:             r.loanSeq.Next(),
		Client:         strings.TrimSpace(in.Client),
		Technician:     in.Technician,
		ScheduledAt:    scheduled,
		Status:         LoanPreparing,
		ExpectedReturn: in.ExpectedReturn,
		Notes:          strings.TrimSpace(in.Notes),
		History:        []HistoryEntry{t.history("Field visit scheduled", in.Technician, in.Notes)},
	}
	t.replaceLoan(loan)

	if err := r.commit(ctx, t); err != nil {
		return LoanRecord{}, err
	}
	loan, _ = r.Loan(loan.ID)
	return loan, nil
}

// AssignLoanExtinguishers hands AVAILABLE units to the client of a loan. All
// codes are checked before anything changes.
func (r *repository) AssignLoanExtinguishers(ctx context.Context, loanID string, codes []string, actor string) (LoanRecord, error) {
	codes = distinct(codes)
	if len(codes) == 0 {
		return LoanRecord{}, ErrNothingSelected
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	loan, err := t.openLoan(loanID)
	if err != nil {
		return LoanRecord{}, err
	}

	// Step 1: validate every unit
	for _, code := range codes {
		a, err := t.asset(code)
		if err != nil {
			return LoanRecord{}, err
		}
		if a.Status != StatusAvailable {
			return LoanRecord{}, fmt.Errorf("extinguisher %s is %s: %w", code, a.Status, ErrAssetUnavailable)
		}
	}

	// Step 2: move the units and attach them to the loan
	entry := t.history("Loan units delivered", actor, fmt.Sprintf("%d units delivered", len(codes)))
	hint := firstNonBlank(loan.Notes, loan.Client)
	units := loan.Units
	for _, code := range codes {
		a, _ := t.asset(code)
		if _, err := t.moveAsset(a, StatusOnLoan, hint, entry); err != nil {
			return LoanRecord{}, err
		}
		units = appendCopy(units, LoanUnit{Code: code, QRPayload: a.QR.Payload, ApproxLocation: hint})
	}
	loan.Units = units
	loan.Status = LoanActive
	loan.History = appendCopy(loan.History, entry)
	t.replaceLoan(loan)

	if err := r.commit(ctx, t); err != nil {
		return LoanRecord{}, err
	}
	loan, _ = r.Loan(loanID)
	return loan, nil
}

// MarkOriginalExtinguishersInRepair records the client's own units taken for
// repair while the loan lasts.
func (r *repository) MarkOriginalExtinguishersInRepair(ctx context.Context, loanID string, codes []string, actor string) (LoanRecord, error) {
	codes = distinct(codes)
	if len(codes) == 0 {
		return LoanRecord{}, ErrNothingSelected
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	loan, err := t.openLoan(loanID)
	if err != nil {
		return LoanRecord{}, err
	}
	for _, code := range codes {
		a, err := t.asset(code)
		if err != nil {
			return LoanRecord{}, err
		}
		if a.Status == StatusOnLoan {
			return LoanRecord{}, fmt.Errorf("extinguisher %s is on loan: %w", code, ErrAssetUnavailable)
		}
	}

	entry := t.history("Originals taken for repair", actor, strings.Join(codes, ", "))
	for _, code := range codes {
		a, _ := t.asset(code)
		if _, err := t.moveAsset(a, StatusInFieldService, "", entry); err != nil {
			return LoanRecord{}, err
		}
	}
	loan.Originals = appendCopy(loan.Originals, codes...)
	loan.Originals = distinct(loan.Originals)
	loan.History = appendCopy(loan.History, entry)
	t.replaceLoan(loan)

	if err := r.commit(ctx, t); err != nil {
		return LoanRecord{}, err
	}
	loan, _ = r.Loan(loanID)
	return loan, nil
}

// RegisterLoanReturn takes loaned units back into the workshop and promotes
// repaired originals. The loan becomes RETURNED once every unit is back.
func (r *repository) RegisterLoanReturn(ctx context.Context, loanID string, returned, repaired []string, actor, notes string) (LoanRecord, error) {
	returned, repaired = distinct(returned), distinct(repaired)

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	loan, err := t.openLoan(loanID)
	if err != nil {
		return LoanRecord{}, err
	}
	outstanding := make(map[string]bool, len(loan.Units))
	for _, u := range loan.Units {
		outstanding[u.Code] = !u.Returned
	}
	for _, code := range returned {
		if _, ok := outstanding[code]; !ok {
			return LoanRecord{}, fmt.Errorf("%w: extinguisher %s is not part of loan %s", ErrInvalidInput, code, loanID)
		}
	}
	for _, code := range repaired {
		a, err := t.asset(code)
		if err != nil {
			return LoanRecord{}, err
		}
		// a unit lent out, here or on another loan, comes back through returned
		if a.Status == StatusOnLoan {
			return LoanRecord{}, fmt.Errorf("extinguisher %s is on loan: %w", code, ErrAssetUnavailable)
		}
	}

	entry := t.history("Loan return", actor, notes)
	back := make(map[string]struct{}, len(returned))
	for _, code := range returned {
		back[code] = struct{}{}
	}
	units := make([]LoanUnit, len(loan.Units))
	for i, u := range loan.Units {
		if _, ok := back[u.Code]; ok && !u.Returned {
			u.Returned = true
			u.ReturnedOn = timePtr(t.now)
		}
		units[i] = u
	}

	for _, code := range returned {
		if !outstanding[code] {
			continue
		}
		a, err := t.asset(code)
		if err != nil {
			return LoanRecord{}, err
		}
		if _, err := t.moveAsset(a, StatusAvailable, workshopLocation, entry); err != nil {
			return LoanRecord{}, err
		}
	}
	for _, code := range repaired {
		a, _ := t.asset(code)
		if err := t.promote(a, entry); err != nil {
			return LoanRecord{}, err
		}
	}

	loan.Units = units
	if loan.AllReturned() {
		loan.Status = LoanReturned
	}
	loan.History = appendCopy(loan.History, entry)
	t.replaceLoan(loan)

	if err := r.commit(ctx, t); err != nil {
		return LoanRecord{}, err
	}
	loan, _ = r.Loan(loanID)
	return loan, nil
}

// promote hands a repaired asset back as AVAILABLE with today's maintenance date.
func (t *tx) promote(a Asset, entry HistoryEntry) error {
	a.LastMaintenanceDate = timePtr(t.now)
	a.QR.Payload = a.Code
	a.QR.LastGeneratedOn = t.now
	_, err := t.moveAsset(a, StatusAvailable, "", entry)
	return err
}

func (r *repository) CancelLoan(ctx context.Context, loanID, actor, notes string) (LoanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	loan, err := t.openLoan(loanID)
	if err != nil {
		return LoanRecord{}, err
	}
	entry := t.history("Loan cancelled", actor, notes)
	for _, u := range loan.Units {
		if u.Returned {
			continue
		}
		if a, err := t.asset(u.Code); err == nil && a.Status == StatusOnLoan {
			if _, err := t.moveAsset(a, StatusAvailable, workshopLocation, entry); err != nil {
				return LoanRecord{}, err
			}
		}
	}
	loan.Status = LoanCancelled
	loan.History = appendCopy(loan.History, entry)
	t.replaceLoan(loan)

	if err := r.commit(ctx, t); err != nil {
		return LoanRecord{}, err
	}
	loan, _ = r.Loan(loanID)
	return loan, nil
}

// markLoanAsReturned closes a loan whose maintenance completed. It does
// nothing for a loan that is already RETURNED or CANCELLED.
func (t *tx) markLoanAsReturned(loanID, actor, notes string) {
	i := indexLoan(t.loans, loanID)
	if i < 0 {
		t.r.logger.Warn("maintenance references unknown loan", "loan", loanID)
		return
	}
	loan := t.loans[i]
	if loan.Status.Terminal() {
		return
	}
	entry := t.history("Service completed", actor, notes)
	units := make([]LoanUnit, len(loan.Units))
	for j, u := range loan.Units {
		if !u.Returned {
			u.Returned = true
			u.ReturnedOn = timePtr(t.now)
			if a, err := t.asset(u.Code); err == nil && a.Status == StatusOnLoan {
				if _, err := t.moveAsset(a, StatusAvailable, workshopLocation, entry); err != nil {
					t.r.logger.Error("failed to queue loan unit return", "code", u.Code, "error", err)
				}
			}
		}
		units[j] = u
	}
	loan.Units = units
	loan.Status = LoanReturned
	loan.History = appendCopy(loan.History, entry)
	t.replaceLoan(loan)
}
