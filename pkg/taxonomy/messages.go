package taxonomy

import (
	"bytes"
	"maps"
	"sync"
	"text/template"

	"golang.org/x/text/language"
)

// DefaultLocale is used when no locale is requested or none matches.
const DefaultLocale = "en-US"

// Catalog maps error codes to user-facing message templates for one locale.
// Templates are rendered with the error details as data.
type Catalog struct {
	locale     string
	messages   map[Code]string
	categories map[Category]string
	actions    map[Category]string
}

// NewCatalog creates a catalog. categories supplies fallback messages for
// codes without a template; actions supplies suggested actions per category.
func NewCatalog(locale string, messages map[Code]string, categories, actions map[Category]string) *Catalog {
	return &Catalog{
		locale:     locale,
		messages:   maps.Clone(messages),
		categories: maps.Clone(categories),
		actions:    maps.Clone(actions),
	}
}

// Locale returns the locale of this catalog.
func (c *Catalog) Locale() string {
	return c.locale
}

func (c *Catalog) format(code Code, category Category, details map[string]any) string {
	tmpl, ok := c.messages[code]
	if !ok {
		if msg, ok := c.categories[category]; ok {
			return msg
		}
		return c.messages[CodeUnknown]
	}

	t, err := template.New("msg").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return tmpl
	}
	if details == nil {
		details = map[string]any{}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, details); err != nil {
		return tmpl
	}
	return buf.String()
}

func (c *Catalog) action(category Category) string {
	return c.actions[category]
}

var (
	catalogsMu sync.RWMutex
	catalogs   = map[string]*Catalog{}
	tags       []language.Tag
	locales    []string
	matcher    language.Matcher
)

func init() {
	RegisterCatalog(enUS)
	RegisterCatalog(es)
}

// RegisterCatalog adds or replaces the catalog for its locale.
func RegisterCatalog(c *Catalog) {
	tag := language.Make(c.locale)

	catalogsMu.Lock()
	defer catalogsMu.Unlock()

	if _, exists := catalogs[c.locale]; !exists {
		// en-US stays first so the matcher falls back to it.
		tags = append(tags, tag)
		locales = append(locales, c.locale)
		matcher = language.NewMatcher(tags)
	}
	catalogs[c.locale] = c
}

// lookupCatalog resolves the best catalog for locale, falling back to en-US.
func lookupCatalog(locale string) *Catalog {
	catalogsMu.RLock()
	defer catalogsMu.RUnlock()

	if c, ok := catalogs[locale]; ok {
		return c
	}
	if locale != "" && matcher != nil {
		_, idx := language.MatchStrings(matcher, locale)
		if c, ok := catalogs[locales[idx]]; ok {
			return c
		}
	}
	return catalogs[DefaultLocale]
}

var enUS = NewCatalog(DefaultLocale,
	map[Code]string{
		CodeUnauthorized:       "You need to sign in to continue.",
		CodeInvalidCredentials: "The email or password you entered is incorrect.",
		CodeForbidden:          "You do not have permission to perform this action.",
		CodeTokenExpired:       "Your session has expired.",
		CodeTokenInvalid:       "Your session is no longer valid.",
		CodeAccountLocked:      "Your account has been locked.",

		CodeValidationFailed: "Some of the information provided is invalid.",
		CodeRequiredField:    "{{if .field}}The field {{.field}} is required.{{else}}A required field is missing.{{end}}",
		CodeInvalidFormat:    "{{if .field}}The field {{.field}} has an invalid format.{{else}}A value has an invalid format.{{end}}",
		CodeOutOfRange:       "{{if .field}}The field {{.field}} is out of range.{{else}}A value is out of range.{{end}}",

		CodeNotFound:               "{{if .resource}}The requested {{.resource}} was not found.{{else}}The requested item was not found.{{end}}",
		CodeAlreadyExists:          "{{if .resource}}A {{.resource}} with these details already exists.{{else}}This item already exists.{{end}}",
		CodeInvalidStateTransition: "This action is not allowed in the current state.",
		CodeQuotaExceeded:          "You have reached your usage limit.",
		CodeCommandRejected:        "This request was rejected.",

		CodeDatabase:           "We could not save or load your data.",
		CodeNetwork:            "A network problem occurred.",
		CodeTimeout:            "The request took too long to complete.",
		CodeRateLimit:          "Too many requests. Please slow down.",
		CodeServiceUnavailable: "The service is temporarily unavailable.",
		CodeExternalService:    "A service we depend on is not responding.",
		CodeCircuitOpen:        "The service is temporarily unavailable.",
		CodeInternal:           "Something went wrong on our side.",
		CodeUnknown:            "An unexpected error occurred.",
	},
	map[Category]string{
		CategoryAuth:       "You are not allowed to do this.",
		CategoryValidation: "Some of the information provided is invalid.",
		CategoryBusiness:   "This request could not be completed.",
		CategorySystem:     "An unexpected error occurred.",
	},
	map[Category]string{
		CategoryAuth:       "Sign in again or contact an administrator.",
		CategoryValidation: "Check the highlighted fields and try again.",
		CategoryBusiness:   "Review your request and try again.",
		CategorySystem:     "Please try again in a few moments.",
	},
)

var es = NewCatalog("es",
	map[Code]string{
		CodeUnauthorized:       "Debes iniciar sesión para continuar.",
		CodeInvalidCredentials: "El correo o la contraseña no son correctos.",
		CodeForbidden:          "No tienes permiso para realizar esta acción.",
		CodeTokenExpired:       "Tu sesión ha expirado.",
		CodeTokenInvalid:       "Tu sesión ya no es válida.",
		CodeAccountLocked:      "Tu cuenta ha sido bloqueada.",

		CodeValidationFailed: "Parte de la información proporcionada no es válida.",
		CodeRequiredField:    "{{if .field}}El campo {{.field}} es obligatorio.{{else}}Falta un campo obligatorio.{{end}}",
		CodeInvalidFormat:    "{{if .field}}El campo {{.field}} tiene un formato no válido.{{else}}Un valor tiene un formato no válido.{{end}}",
		CodeOutOfRange:       "{{if .field}}El campo {{.field}} está fuera de rango.{{else}}Un valor está fuera de rango.{{end}}",

		CodeNotFound:               "No se encontró el elemento solicitado.",
		CodeAlreadyExists:          "Este elemento ya existe.",
		CodeInvalidStateTransition: "Esta acción no está permitida en el estado actual.",
		CodeQuotaExceeded:          "Has alcanzado tu límite de uso.",
		CodeCommandRejected:        "La solicitud fue rechazada.",

		CodeDatabase:           "No pudimos guardar ni cargar tus datos.",
		CodeNetwork:            "Se produjo un problema de red.",
		CodeTimeout:            "La solicitud tardó demasiado.",
		CodeRateLimit:          "Demasiadas solicitudes. Inténtalo más despacio.",
		CodeServiceUnavailable: "El servicio no está disponible temporalmente.",
		CodeExternalService:    "Un servicio del que dependemos no responde.",
		CodeCircuitOpen:        "El servicio no está disponible temporalmente.",
		CodeInternal:           "Algo salió mal de nuestro lado.",
		CodeUnknown:            "Se produjo un error inesperado.",
	},
	map[Category]string{
		CategoryAuth:       "No tienes permiso para hacer esto.",
		CategoryValidation: "Parte de la información proporcionada no es válida.",
		CategoryBusiness:   "No se pudo completar la solicitud.",
		CategorySystem:     "Se produjo un error inesperado.",
	},
	map[Category]string{
		CategoryAuth:       "Inicia sesión de nuevo o contacta a un administrador.",
		CategoryValidation: "Revisa los campos indicados e inténtalo de nuevo.",
		CategoryBusiness:   "Revisa tu solicitud e inténtalo de nuevo.",
		CategorySystem:     "Inténtalo de nuevo en unos momentos.",
	},
)
