// Package vaccines exposes the vaccine catalogue and the per-vaccine vial
// policy (doses per vial, beyond-use days) consumed by the inventory ledger.
package vaccines

import (
	"context"
	"fmt"

	"github.com/vaxinv/vaxinv/internal/platform/httpx"
)

// ErrNotFound is returned for unknown vaccine ids.
var ErrNotFound = fmt.Errorf("vaccines: vaccine %w", httpx.ErrNotFound)

// Vaccine is a catalogue entry.
type Vaccine struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	ShortName     string `json:"short_name"`
	CVXCode       string `json:"cvx_code,omitempty"`
	CPTCode       string `json:"cpt_code,omitempty"`
	Manufacturer  string `json:"manufacturer,omitempty"`
	NDCPattern    string `json:"ndc_pattern,omitempty"`
	DosesPerVial  int    `json:"doses_per_vial"`
	BeyondUseDays *int   `json:"beyond_use_days"`
	Active        bool   `json:"active"`
}

// MultiDose reports whether an opened vial holds doses for later patients.
func (v Vaccine) MultiDose() bool {
	return v.DosesPerVial > 1
}

// Directory looks vaccines up by id.
type Directory interface {
	Get(ctx context.Context, id int64) (Vaccine, error)
	List(ctx context.Context) ([]Vaccine, error)
}

func days(n int) *int { return &n }

// Catalogue returns the default vaccine list loaded into new deployments.
func Catalogue() []Vaccine {
	return []Vaccine{
		{ID: 1, Name: "Diphtheria, Tetanus, Pertussis (DTaP)", ShortName: "DTaP", CVXCode: "20", CPTCode: "90700", Manufacturer: "Sanofi Pasteur", NDCPattern: `^49281\d{4}`, DosesPerVial: 1},
		{ID: 2, Name: "Inactivated Poliovirus (IPV)", ShortName: "IPV", CVXCode: "10", CPTCode: "90713", Manufacturer: "Sanofi Pasteur", NDCPattern: `^49281\d{4}`, DosesPerVial: 1},
		{ID: 3, Name: "Measles, Mumps, Rubella (MMR)", ShortName: "MMR", CVXCode: "03", CPTCode: "90707", Manufacturer: "Merck", NDCPattern: `^00006\d{4}`, DosesPerVial: 10, BeyondUseDays: days(0)},
		{ID: 4, Name: "Varicella (VAR)", ShortName: "Varicella", CVXCode: "21", CPTCode: "90716", Manufacturer: "Merck", NDCPattern: `^00006\d{4}`, DosesPerVial: 1},
		{ID: 5, Name: "Hepatitis B (HepB)", ShortName: "HepB", CVXCode: "08", CPTCode: "90744", Manufacturer: "Merck", NDCPattern: `^00006\d{4}`, DosesPerVial: 1},
		{ID: 6, Name: "Hepatitis A (HepA)", ShortName: "HepA", CVXCode: "83", CPTCode: "90633", Manufacturer: "Merck", NDCPattern: `^00006\d{4}`, DosesPerVial: 1},
		{ID: 7, Name: "Haemophilus influenzae type b (Hib)", ShortName: "Hib", CVXCode: "17", CPTCode: "90648", Manufacturer: "Sanofi Pasteur", NDCPattern: `^49281\d{4}`, DosesPerVial: 1},
		{ID: 8, Name: "Pneumococcal Conjugate (PCV15)", ShortName: "PCV15", CVXCode: "215", CPTCode: "90677", Manufacturer: "Merck", NDCPattern: `^00006\d{4}`, DosesPerVial: 1},
		{ID: 9, Name: "Pneumococcal Conjugate (PCV20)", ShortName: "PCV20", CVXCode: "216", CPTCode: "90678", Manufacturer: "Pfizer", NDCPattern: `^00005\d{4}`, DosesPerVial: 1},
		{ID: 10, Name: "Rotavirus (RV5)", ShortName: "Rotavirus", CVXCode: "116", CPTCode: "90680", Manufacturer: "Merck", NDCPattern: `^00006\d{4}`, DosesPerVial: 1},
		{ID: 11, Name: "Influenza (IIV4) Pediatric", ShortName: "Flu (Peds)", CVXCode: "141", CPTCode: "90686", Manufacturer: "Sanofi Pasteur", NDCPattern: `^49281\d{4}`, DosesPerVial: 10, BeyondUseDays: days(28)},
		{ID: 12, Name: "Influenza (IIV4) Standard", ShortName: "Flu (Std)", CVXCode: "150", CPTCode: "90688", Manufacturer: "Sanofi Pasteur", NDCPattern: `^49281\d{4}`, DosesPerVial: 10, BeyondUseDays: days(28)},
		{ID: 13, Name: "Meningococcal ACWY (MenACWY)", ShortName: "MenACWY", CVXCode: "114", CPTCode: "90734", Manufacturer: "Sanofi Pasteur", NDCPattern: `^49281\d{4}`, DosesPerVial: 1},
		{ID: 14, Name: "Meningococcal B (MenB)", ShortName: "MenB", CVXCode: "162", CPTCode: "90620", Manufacturer: "Pfizer", NDCPattern: `^00005\d{4}`, DosesPerVial: 1},
		{ID: 15, Name: "Human Papillomavirus (HPV)", ShortName: "HPV", CVXCode: "165", CPTCode: "90651", Manufacturer: "Merck", NDCPattern: `^00006\d{4}`, DosesPerVial: 1},
		{ID: 16, Name: "Tetanus, Diphtheria, Pertussis (Tdap)", ShortName: "Tdap", CVXCode: "115", CPTCode: "90715", Manufacturer: "Sanofi Pasteur", NDCPattern: `^49281\d{4}`, DosesPerVial: 1},
		{ID: 17, Name: "DTaP-IPV-HepB (Pediarix)", ShortName: "Pediarix", CVXCode: "110", CPTCode: "90723", Manufacturer: "GSK", NDCPattern: `^58160\d{4}`, DosesPerVial: 1},
		{ID: 18, Name: "DTaP-IPV (Kinrix)", ShortName: "Kinrix", CVXCode: "130", CPTCode: "90696", Manufacturer: "GSK", NDCPattern: `^58160\d{4}`, DosesPerVial: 1},
		{ID: 19, Name: "MMR-Varicella (ProQuad)", ShortName: "MMRV", CVXCode: "94", CPTCode: "90710", Manufacturer: "Merck", NDCPattern: `^00006\d{4}`, DosesPerVial: 1},
		{ID: 20, Name: "COVID-19 mRNA (Pfizer, Peds)", ShortName: "COVID (Peds)", CVXCode: "218", CPTCode: "91309", Manufacturer: "Pfizer", NDCPattern: `^59267\d{4}`, DosesPerVial: 1},
	}
}
