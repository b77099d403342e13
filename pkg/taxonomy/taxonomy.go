// Package taxonomy defines the fixed set of business categories emails are
// classified into and how each one is materialized as a provider label.
package taxonomy

import (
	"strings"
)

// Namespace is the provider label prefix under which every category label lives.
const Namespace = "AI"

// Category identifies one business bucket.
type Category string

const (
	ProspectLead        Category = "prospect-lead"
	ActiveClient        Category = "active-client"
	VendorSupplier      Category = "vendor-supplier"
	Partnership         Category = "partnership"
	RecruitmentHR       Category = "recruitment-hr"
	FinanceBilling      Category = "finance-billing"
	LegalCompliance     Category = "legal-compliance"
	InternalTeam        Category = "internal-team"
	SupportRequest      Category = "support-request"
	MarketingNewsletter Category = "marketing-newsletter"
	EventInvitation     Category = "event-invitation"
	Personal            Category = "personal"

	// Uncategorized is returned when no category could be determined. It is
	// not part of the taxonomy and never gets a provider label.
	Uncategorized Category = "uncategorized"
)

// Definition pairs a category with the short description given to the classifier.
type Definition struct {
	Category    Category `json:"category"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
}

var definitions = []Definition{
	{ProspectLead, LabelName(ProspectLead), "Potential customers, inbound inquiries, sales leads and quote requests"},
	{ActiveClient, LabelName(ActiveClient), "Existing customers discussing ongoing work, deliverables or account matters"},
	{VendorSupplier, LabelName(VendorSupplier), "Suppliers, vendors and service providers: orders, quotes, shipping, contracts"},
	{Partnership, LabelName(Partnership), "Business development, collaborations, integrations and referral partners"},
	{RecruitmentHR, LabelName(RecruitmentHR), "Job applications, candidates, recruiters, interviews, HR and payroll"},
	{FinanceBilling, LabelName(FinanceBilling), "Invoices, payments, receipts, banking, accounting and tax"},
	{LegalCompliance, LabelName(LegalCompliance), "Contracts under review, legal notices, compliance, privacy and audits"},
	{InternalTeam, LabelName(InternalTeam), "Colleagues, internal announcements, meetings and project coordination"},
	{SupportRequest, LabelName(SupportRequest), "Customer support tickets, bug reports, complaints and help requests"},
	{MarketingNewsletter, LabelName(MarketingNewsletter), "Newsletters, promotions, product announcements and mailing lists"},
	{EventInvitation, LabelName(EventInvitation), "Conferences, webinars, calendar invitations and event logistics"},
	{Personal, LabelName(Personal), "Friends, family and other non-business correspondence"},
}

var byCategory = func() map[Category]Definition {
	m := make(map[Category]Definition, len(definitions))
	for _, d := range definitions {
		m[d.Category] = d
	}
	return m
}()

// All returns the taxonomy in its canonical order.
func All() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Categories returns the category identifiers in canonical order.
func Categories() []Category {
	out := make([]Category, 0, len(definitions))
	for _, d := range definitions {
		out = append(out, d.Category)
	}
	return out
}

// IsKnown reports whether c is a taxonomy member. Uncategorized is not.
func IsKnown(c Category) bool {
	_, ok := byCategory[c]
	return ok
}

// Parse normalizes a free-form category string. Unknown values map to Uncategorized.
func Parse(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	c = Category(strings.ReplaceAll(string(c), "_", "-"))
	c = Category(strings.ReplaceAll(string(c), " ", "-"))
	if IsKnown(c) {
		return c
	}
	return Uncategorized
}

// LabelName returns the provider label for c, e.g. "AI/Prospect-Lead".
func LabelName(c Category) string {
	parts := strings.Split(string(c), "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return Namespace + "/" + strings.Join(parts, "-")
}

// InNamespace reports whether a provider label name belongs to the taxonomy namespace.
func InNamespace(labelName string) bool {
	return strings.HasPrefix(labelName, Namespace+"/")
}

// FromLabelName maps a provider label name back to its category.
func FromLabelName(labelName string) (Category, bool) {
	for _, d := range definitions {
		if d.Label == labelName {
			return d.Category, true
		}
	}
	return "", false
}
