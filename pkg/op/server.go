package op

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const sessionCookieName = "oidp_session"

// Server is the HTTP face of the authorizer. All protocol decisions live
// in the Authorizer; the server only binds parameters, renders the login
// and consent pages and translates results into responses.
type Server struct {
	authorizer *Authorizer
	registrar  ClientRegistrar
	metadata   *ProviderMetadata
}

func NewServer(authorizer *Authorizer, registrar ClientRegistrar) *Server {
	metadata := NewProviderMetadata(authorizer.Issuer())
	metadata.RequestURIParameterSupported = authorizer.SupportsRequestURI()
	return &Server{
		authorizer: authorizer,
		registrar:  registrar,
		metadata:   metadata,
	}
}

func ErrorHandlerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			slog.Error("Error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())

			if opError, ok := err.(*Error); ok {
				if opError.Redirectable() {
					return c.Redirect(http.StatusFound, opError.RedirectURL())
				}
				return c.JSON(opError.HttpStatus, opError)
			} else if echoErr, ok := err.(*echo.HTTPError); ok {
				return c.JSON(echoErr.Code, &Error{
					HttpStatus:  echoErr.Code,
					Code:        ErrorServerError,
					Description: fmt.Sprint(echoErr.Message),
				})
			} else {
				return c.JSON(http.StatusInternalServerError, &Error{
					HttpStatus:  http.StatusInternalServerError,
					Code:        ErrorServerError,
					Description: err.Error(),
				})
			}
		}
		return nil
	}
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(
		middleware.Logger(),
		ErrorHandlerMiddleware,
	)

	group.GET("/.well-known/openid-configuration", s.MetadataEndpoint)
	group.GET("/auth", s.AuthorizationEndpoint)
	group.POST("/auth", s.AuthorizationEndpoint)
	group.POST("/auth/decision", s.DecisionEndpoint)
	group.POST("/token", s.TokenEndpoint)
	group.GET("/userinfo", s.UserinfoEndpoint)
	group.POST("/userinfo", s.UserinfoEndpoint)
	group.POST("/register", s.RegistrationEndpoint)
	group.GET("/jwks", s.JWKS)
}

func (s *Server) MetadataEndpoint(c echo.Context) error {
	return c.JSON(http.StatusOK, s.metadata)
}

func (s *Server) AuthorizationEndpoint(c echo.Context) error {
	params := c.QueryParams()
	if c.Request().Method == http.MethodPost {
		form, err := c.FormParams()
		if err != nil {
			return &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidRequest, Description: "malformed form body"}
		}
		params = form
	}

	var existing *Session
	if cookie, err := c.Cookie(sessionCookieName); err == nil {
		existing, _ = s.authorizer.sessions.GetSession(cookie.Value)
	}

	authz, oerr := s.authorizer.HandleAuthorizationRequest(c.Request().Context(), params, existing)
	if oerr != nil {
		return oerr
	}
	return s.continueAuthorization(c, authz)
}

func (s *Server) continueAuthorization(c echo.Context, authz *Authorization) error {
	switch authz.State {
	case StateAwaitingAuthentication:
		return s.renderLoginPage(c, authz)
	case StateAwaitingConsent:
		return s.renderConsentPage(c, authz)
	case StateResponseAssembled:
		s.setSessionCookie(c, authz.Session)
		return c.Redirect(http.StatusFound, authz.Response.RedirectURL(authz.Session.RedirectURI))
	default:
		return &Error{
			HttpStatus:  http.StatusInternalServerError,
			Code:        ErrorServerError,
			Description: fmt.Sprintf("unexpected authorization state '%s'", authz.State),
		}
	}
}

func (s *Server) DecisionEndpoint(c echo.Context) error {
	var authzID, action, username, password, scope string
	binderr := echo.FormFieldBinder(c).
		MustString("authorization", &authzID).
		MustString("action", &action).
		String("username", &username).
		String("password", &password).
		String("scope", &scope).
		BindError()
	if binderr != nil {
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorInvalidRequest,
			Description: binderr.Error(),
		}
	}

	switch action {
	case "login":
		authz, oerr := s.authorizer.Authenticate(authzID, username, password)
		if oerr != nil {
			if oerr.Code == ErrorAccessDenied && !oerr.Redirectable() {
				// wrong credentials, offer the form again
				pending, err := s.authorizer.Pending(authzID)
				if err == nil {
					return s.renderLoginPage(c, pending)
				}
			}
			return oerr
		}
		s.setSessionCookie(c, authz.Session)
		return s.continueAuthorization(c, authz)
	case "consent":
		authz, oerr := s.authorizer.Grant(authzID, splitSpaceList(scope))
		if oerr != nil {
			return oerr
		}
		return s.continueAuthorization(c, authz)
	case "deny":
		return s.authorizer.Deny(authzID)
	default:
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorInvalidRequest,
			Description: fmt.Sprintf("unknown action '%s'", action),
		}
	}
}

func (s *Server) setSessionCookie(c echo.Context, session *Session) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) TokenEndpoint(c echo.Context) error {
	var request TokenRequest
	binderr := echo.FormFieldBinder(c).
		MustString("grant_type", &request.GrantType).
		String("code", &request.Code).
		String("redirect_uri", &request.RedirectURI).
		String("client_id", &request.ClientID).
		String("client_secret", &request.ClientSecret).
		String("code_verifier", &request.CodeVerifier).
		BindError()
	if binderr != nil {
		return &Error{
			HttpStatus:  http.StatusBadRequest,
			Code:        ErrorInvalidRequest,
			Description: binderr.Error(),
		}
	}

	// client_secret_basic beats client_secret_post
	if username, password, ok := c.Request().BasicAuth(); ok {
		request.ClientID = username
		request.ClientSecret = password
	}

	response, oerr := s.authorizer.Exchange(c.Request().Context(), &request)
	if oerr != nil {
		return oerr
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) UserinfoEndpoint(c echo.Context) error {
	header := c.Request().Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return &Error{HttpStatus: http.StatusUnauthorized, Code: ErrorInvalidToken, Description: "missing bearer token"}
	}

	body, contentType, oerr := s.authorizer.UserInfo(c.Request().Context(), token)
	if oerr != nil {
		return oerr
	}
	return c.Blob(http.StatusOK, contentType, body)
}

func (s *Server) RegistrationEndpoint(c echo.Context) error {
	if s.registrar == nil {
		return &Error{HttpStatus: http.StatusNotFound, Code: ErrorInvalidRequest, Description: "registration is disabled"}
	}

	var client Client
	if err := c.Bind(&client); err != nil {
		return &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidRequest, Description: "malformed registration request"}
	}
	client.ClientID = ""
	client.ClientSecretHash = ""

	if err := s.registrar.RegisterClient(&client); err != nil {
		return &Error{HttpStatus: http.StatusBadRequest, Code: ErrorInvalidRequest, Description: err.Error()}
	}
	slog.Info("registered client", "clientID", client.ClientID, "clientName", client.ClientName)
	return c.JSON(http.StatusCreated, &client)
}

func (s *Server) JWKS(c echo.Context) error {
	public, err := jwk.PublicSetOf(s.authorizer.Keys())
	if err != nil {
		return &Error{HttpStatus: http.StatusInternalServerError, Code: ErrorServerError, Description: "loading public keys"}
	}
	return c.JSON(http.StatusOK, public)
}

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
<p>{{.ClientName}} requests access.</p>
<form method="post" action="auth/decision">
<input type="hidden" name="authorization" value="{{.Authorization}}">
<input type="hidden" name="action" value="login">
<label>Username <input type="text" name="username"></label>
<label>Password <input type="password" name="password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Consent</title></head>
<body>
<h1>Grant access</h1>
<p>{{.ClientName}} requests the scopes: {{.Scopes}}</p>
<form method="post" action="auth/decision">
<input type="hidden" name="authorization" value="{{.Authorization}}">
<input type="hidden" name="scope" value="{{.Scopes}}">
<button type="submit" name="action" value="consent">Allow</button>
<button type="submit" name="action" value="deny">Deny</button>
</form>
</body>
</html>
`))

type pageData struct {
	Authorization string
	ClientName    string
	Scopes        string
}

func (s *Server) renderLoginPage(c echo.Context, authz *Authorization) error {
	return s.renderPage(c, loginPage, authz)
}

func (s *Server) renderConsentPage(c echo.Context, authz *Authorization) error {
	return s.renderPage(c, consentPage, authz)
}

func (s *Server) renderPage(c echo.Context, page *template.Template, authz *Authorization) error {
	name := authz.Client.ClientName
	if name == "" {
		name = authz.Client.ClientID
	}
	data := pageData{
		Authorization: authz.ID,
		ClientName:    name,
		Scopes:        strings.Join(authz.Request.Scopes, " "),
	}
	var buf strings.Builder
	if err := page.Execute(&buf, data); err != nil {
		return &Error{HttpStatus: http.StatusInternalServerError, Code: ErrorServerError, Description: "rendering page"}
	}
	return c.HTML(http.StatusOK, buf.String())
}
