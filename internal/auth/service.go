package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"coderoom/internal/config"
	"coderoom/internal/database"
	"coderoom/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidToken       = errors.New("invalid token")
)

// CustomClaims is the payload of an access token.
type CustomClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

type Service struct {
	users    database.UserRepository
	cfg      config.JWTConfig
	validate *validator.Validate
	now      func() time.Time
}

func NewService(users database.UserRepository, cfg config.JWTConfig) *Service {
	return &Service{
		users:    users,
		cfg:      cfg,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *models.RegisterRequest) (*models.LoginResponse, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return s.issue(user)
}

func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.issue(user)
}

func (s *Service) issue(user *models.User) (*models.LoginResponse, error) {
	token, err := s.generateToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	// Remove sensitive data
	user.PasswordHash = ""

	return &models.LoginResponse{
		Token:     token,
		TokenType: "bearer",
		User:      *user,
	}, nil
}

func (s *Service) ValidateToken(tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.cfg.Secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) GetUserFromToken(ctx context.Context, tokenString string) (*models.User, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	return user, err
}

// Resolve turns a bearer token into the caller's identity.
func (s *Service) Resolve(ctx context.Context, tokenString string) (models.Identity, error) {
	user, err := s.GetUserFromToken(ctx, tokenString)
	if err != nil {
		return models.Identity{}, err
	}
	return user.Identity(), nil
}

func (s *Service) generateToken(user *models.User) (string, error) {
	now := s.now()
	claims := CustomClaims{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.ExpiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.Secret)
}
